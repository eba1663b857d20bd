package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestSyncState(t *testing.T) {
	assert.Equal(t, SyncStatePending, (&User{}).SyncState())
	assert.Equal(t, SyncStateFailed, (&User{ExternalID: strPtr(ExternalIDFailed)}).SyncState())
	assert.Equal(t, SyncStateLinked, (&User{ExternalID: strPtr("123")}).SyncState())
}

func TestHasExternalID(t *testing.T) {
	assert.False(t, (&User{}).HasExternalID())
	assert.False(t, (&User{ExternalID: strPtr("")}).HasExternalID())
	assert.False(t, (&User{ExternalID: strPtr(ExternalIDFailed)}).HasExternalID())

	u := &User{ExternalID: strPtr("987")}
	assert.True(t, u.HasExternalID())
	assert.Equal(t, "987", u.LinkedID())
}

func TestValidate(t *testing.T) {
	assert.EqualError(t, (&User{Email: "a@x.com"}).Validate(), "id is required")
	assert.EqualError(t, (&User{ID: "u1"}).Validate(), "email is required")
	assert.NoError(t, (&User{ID: "u1", Email: "a@x.com"}).Validate())
}

func TestChangedFields(t *testing.T) {
	login := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	before := &User{ID: "u1", Email: "a@x.com", Enabled: true}
	after := *before
	after.Email = "b@x.com"
	after.Enabled = false
	after.LastLoginAt = &login

	assert.Equal(t, []string{FieldEmail, FieldEnabled, FieldLastLoginAt}, ChangedFields(before, &after))
	assert.Empty(t, ChangedFields(before, before))
	assert.Nil(t, ChangedFields(nil, before))
}
