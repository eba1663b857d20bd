package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	profiledomain "idp-user-sync/internal/profile/domain"
	"idp-user-sync/internal/queue"
	userdomain "idp-user-sync/internal/user/domain"
)

type dispatcherFixture struct {
	users    *memUserRepo
	profiles *memProfileRepo
	idp      *fakeIdP
	bus      *queue.MemoryBus
	d        *Dispatcher
}

func newDispatcherFixture(t *testing.T, users []*userdomain.User, profiles []*profiledomain.Profile) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		users:    newMemUserRepo(users...),
		profiles: newMemProfileRepo(profiles...),
		idp:      newFakeIdP(t),
		bus:      queue.NewMemoryBus(queue.DefaultRetryPolicy()),
	}
	f.d = NewDispatcher(f.users, f.profiles, f.idp.client, f.bus)
	return f
}

func TestDispatch_UserCreated_PublishesCreate(t *testing.T) {
	u := newUser("u1", "a@x.com", time.Now())
	p := newProfile("u1", "A", "B")
	f := newDispatcherFixture(t, []*userdomain.User{u}, []*profiledomain.Profile{p})

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpCreate, User: u}))

	msgs := syncMessages(t, f.bus)
	require.Len(t, msgs, 1)
	assert.Equal(t, ActionCreate, msgs[0].Action)
	assert.Equal(t, "/management/v1/users/human/_import", msgs[0].URL)
	assert.Equal(t, "u1", msgs[0].UserID)
	assert.JSONEq(t, `{
		"userName":"a@x.com",
		"profile":{"firstName":"A","lastName":"B","displayName":"A B","nickName":""},
		"email":{"email":"a@x.com","isEmailVerified":true},
		"hashedPassword":{"value":"$2y$13$hash"}
	}`, string(msgs[0].Payload))
	assert.Equal(t, "u1", f.bus.Pending()[0].Key)

	search := f.idp.callsTo("/users/_search")
	require.Len(t, search, 1)
	assert.JSONEq(t, `{"queries":[{"userNameQuery":{"userName":"a@x.com","method":"TEXT_QUERY_METHOD_EQUALS"}}]}`, search[0].Body)
}

func TestDispatch_UserCreated_LinksExistingIdPUser(t *testing.T) {
	u := newUser("u1", "a@x.com", time.Now())
	f := newDispatcherFixture(t, []*userdomain.User{u}, []*profiledomain.Profile{newProfile("u1", "A", "B")})
	f.idp.known["a@x.com"] = "999"

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpCreate, User: u}))

	assert.Equal(t, 0, f.bus.Len(), "no duplicate create")
	stored, _ := f.users.GetByID(context.Background(), "u1")
	assert.Equal(t, "999", stored.LinkedID())
	assert.Equal(t, "999", u.LinkedID(), "caller's copy is updated")
}

func TestDispatch_UserCreated_WithoutProfileDoesNothing(t *testing.T) {
	u := newUser("u1", "a@x.com", time.Now())
	f := newDispatcherFixture(t, []*userdomain.User{u}, nil)

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpCreate, User: u}))
	assert.Equal(t, 0, f.bus.Len())
	assert.Equal(t, 0, f.idp.callCount())
}

func TestDispatch_UserCreated_AlreadyLinkedDoesNothing(t *testing.T) {
	u := newUser("u1", "a@x.com", time.Now())
	u.ExternalID = strPtr("55")
	f := newDispatcherFixture(t, []*userdomain.User{u}, []*profiledomain.Profile{newProfile("u1", "A", "B")})

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpCreate, User: u}))
	assert.Equal(t, 0, f.bus.Len())
	assert.Equal(t, 0, f.idp.callCount())
}

func TestDispatch_LookupFailureLeavesUserForMigration(t *testing.T) {
	u := newUser("u1", "a@x.com", time.Now())
	f := newDispatcherFixture(t, []*userdomain.User{u}, []*profiledomain.Profile{newProfile("u1", "A", "B")})
	f.idp.searchStatus = http.StatusServiceUnavailable

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpCreate, User: u}))
	assert.Equal(t, 0, f.bus.Len())
	stored, _ := f.users.GetByID(context.Background(), "u1")
	assert.Nil(t, stored.ExternalID)
}

func TestDispatch_EmailChange_PublishesEmailThenUsername(t *testing.T) {
	u := newUser("u1", "new@x.com", time.Now())
	u.ExternalID = strPtr("123")
	u.EmailConfirmed = false
	f := newDispatcherFixture(t, []*userdomain.User{u}, nil)

	require.NoError(t, f.d.Dispatch(context.Background(), Change{
		Kind:   EntityUser,
		Op:     OpUpdate,
		User:   u,
		Fields: ChangeSet{userdomain.FieldEmail, userdomain.FieldEmailConfirmed},
	}))

	msgs := syncMessages(t, f.bus)
	require.Len(t, msgs, 2)
	assert.Equal(t, ActionUpdate, msgs[0].Action)
	assert.Equal(t, "/management/v1/users/123/email", msgs[0].URL)
	assert.JSONEq(t, `{"email":"new@x.com","isEmailVerified":false}`, string(msgs[0].Payload))
	assert.Equal(t, ActionUpdate, msgs[1].Action)
	assert.Equal(t, "/management/v1/users/123/username", msgs[1].URL)
	assert.JSONEq(t, `{"userName":"new@x.com"}`, string(msgs[1].Payload))
	for _, m := range msgs {
		assert.Empty(t, m.UserID)
	}
	assert.Equal(t, 0, f.idp.callCount())
}

func TestDispatch_UserUpdate_IgnoredCases(t *testing.T) {
	linked := newUser("u1", "a@x.com", time.Now())
	linked.ExternalID = strPtr("123")
	unlinked := newUser("u2", "b@x.com", time.Now())
	failed := newUser("u3", "c@x.com", time.Now())
	failed.ExternalID = strPtr(userdomain.ExternalIDFailed)

	testCases := []struct {
		name   string
		user   *userdomain.User
		fields ChangeSet
	}{
		{"linked without email change", linked, ChangeSet{userdomain.FieldLastLoginAt}},
		{"unlinked email change", unlinked, ChangeSet{userdomain.FieldEmail}},
		{"failed sentinel email change", failed, ChangeSet{userdomain.FieldEmail}},
		{"empty change set", linked, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newDispatcherFixture(t, []*userdomain.User{tc.user}, nil)
			require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpUpdate, User: tc.user, Fields: tc.fields}))
			assert.Equal(t, 0, f.bus.Len())
		})
	}
}

func TestDispatch_ProfileUpdate_LinkedOwner(t *testing.T) {
	owner := newUser("u1", "a@x.com", time.Now())
	owner.ExternalID = strPtr("123")
	p := newProfile("u1", "Ann", "Bee")
	p.Nickname = "AB"
	f := newDispatcherFixture(t, []*userdomain.User{owner}, []*profiledomain.Profile{p})

	require.NoError(t, f.d.Dispatch(context.Background(), Change{
		Kind:    EntityProfile,
		Op:      OpUpdate,
		Profile: p,
		Fields:  ChangeSet{profiledomain.FieldFirstName},
	}))

	msgs := syncMessages(t, f.bus)
	require.Len(t, msgs, 1)
	assert.Equal(t, ActionUpdate, msgs[0].Action)
	assert.Equal(t, "/management/v1/users/123/profile", msgs[0].URL)
	assert.JSONEq(t, `{"firstName":"Ann","lastName":"Bee","displayName":"Ann Bee","nickName":"AB"}`, string(msgs[0].Payload))
}

func TestDispatch_ProfileUpdate_NoNameChange(t *testing.T) {
	owner := newUser("u1", "a@x.com", time.Now())
	owner.ExternalID = strPtr("123")
	p := newProfile("u1", "A", "B")
	f := newDispatcherFixture(t, []*userdomain.User{owner}, []*profiledomain.Profile{p})

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityProfile, Op: OpUpdate, Profile: p, Fields: ChangeSet{"clientId"}}))
	assert.Equal(t, 0, f.bus.Len())
}

func TestDispatch_ProfileChange_UnlinkedOwnerSearchesThenCreates(t *testing.T) {
	owner := newUser("u1", "a@x.com", time.Now())
	p := newProfile("u1", "A", "B")
	f := newDispatcherFixture(t, []*userdomain.User{owner}, []*profiledomain.Profile{p})

	for _, op := range []Operation{OpCreate, OpUpdate} {
		require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityProfile, Op: op, Profile: p, Fields: ChangeSet{profiledomain.FieldLastName}}))
	}

	msgs := syncMessages(t, f.bus)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, ActionCreate, m.Action)
		assert.Equal(t, "u1", m.UserID)
	}
	assert.Len(t, f.idp.callsTo("/users/_search"), 2)
}

func TestDispatch_ProfileChange_UnlinkedOwnerFoundRemotely(t *testing.T) {
	owner := newUser("u1", "a@x.com", time.Now())
	p := newProfile("u1", "A", "B")
	f := newDispatcherFixture(t, []*userdomain.User{owner}, []*profiledomain.Profile{p})
	f.idp.known["a@x.com"] = "321"

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityProfile, Op: OpUpdate, Profile: p, Fields: ChangeSet{profiledomain.FieldNickname}}))
	assert.Equal(t, 0, f.bus.Len())
	stored, _ := f.users.GetByID(context.Background(), "u1")
	assert.Equal(t, "321", stored.LinkedID())
}

func TestDispatch_DeleteDoesNothing(t *testing.T) {
	u := newUser("u1", "a@x.com", time.Now())
	u.ExternalID = strPtr("123")
	f := newDispatcherFixture(t, []*userdomain.User{u}, []*profiledomain.Profile{newProfile("u1", "A", "B")})

	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpDelete, User: u, Fields: ChangeSet{userdomain.FieldEmail}}))
	require.NoError(t, f.d.Dispatch(context.Background(), Change{Kind: EntityProfile, Op: OpDelete, Profile: newProfile("u1", "A", "B")}))
	assert.Equal(t, 0, f.bus.Len())
	assert.Equal(t, 0, f.idp.callCount())
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, queue.Envelope) error { return errors.New("broker down") }

func TestDispatch_PublishErrorIsReturned(t *testing.T) {
	u := newUser("u1", "a@x.com", time.Now())
	u.ExternalID = strPtr("123")
	f := newDispatcherFixture(t, []*userdomain.User{u}, nil)
	d := NewDispatcher(f.users, f.profiles, f.idp.client, failingPublisher{})

	err := d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpUpdate, User: u, Fields: ChangeSet{userdomain.FieldEmail}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestDispatch_RejectsIncompleteChange(t *testing.T) {
	f := newDispatcherFixture(t, nil, nil)
	assert.Error(t, f.d.Dispatch(context.Background(), Change{Kind: EntityUser, Op: OpCreate}))
	assert.Error(t, f.d.Dispatch(context.Background(), Change{Kind: EntityProfile, Op: OpUpdate}))
	assert.Error(t, f.d.Dispatch(context.Background(), Change{Op: OpUpdate}))
}

func TestChangeSet_HasAny(t *testing.T) {
	cs := ChangeSet{"email", "enabled"}
	assert.True(t, cs.HasAny("nickname", "email"))
	assert.False(t, cs.HasAny("firstName"))
	assert.False(t, ChangeSet(nil).HasAny("email"))
}
