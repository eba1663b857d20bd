package idp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idp-user-sync/internal/config"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(context.Context) (string, error) { return s.token, s.err }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.IDPConfig{BaseURL: srv.URL, APIVersion: "v1", Timeout: time.Second}, staticTokens{token: "abc"})
	require.NoError(t, err)
	return c
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var ie *Error
	require.True(t, errors.As(err, &ie), "expected *idp.Error, got %T", err)
	return ie.Kind
}

func TestNewClient_RejectsRelativeBaseURL(t *testing.T) {
	_, err := NewClient(config.IDPConfig{BaseURL: "idp.example.com"}, staticTokens{token: "x"})
	require.Error(t, err)
	assert.Equal(t, KindConfig, kindOf(t, err))
	assert.False(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestSend_SetsHeadersAndBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/management/v1/users/123/profile", r.URL.Path)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"firstName":"A"}`, string(b))
		_, _ = w.Write([]byte(`{"details":{"sequence":"1"}}`))
	})

	resp, err := c.Put(context.Background(), c.Paths().Profile("123"), json.RawMessage(`{"firstName":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"details":{"sequence":"1"}}`, string(resp.Body))
}

func TestSend_NoContentTypeWithoutBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	})
	resp, err := c.Get(context.Background(), "/management/v1/users/1")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(resp.Body))
}

func TestSend_ClassifiesFailures(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		kind      Kind
		message   string
		transient bool
	}{
		{"client error with message", http.StatusBadRequest, `{"code":6,"message":"email taken"}`, KindClient, "email taken", false},
		{"client error without body", http.StatusNotFound, ``, KindClient, "404 Not Found", false},
		{"client error non-json body", http.StatusConflict, `conflict`, KindClient, "409 Conflict", false},
		{"server error", http.StatusServiceUnavailable, `{"message":"try later"}`, KindServer, "try later", true},
		{"malformed success", http.StatusOK, `{"userId":`, KindDecode, "malformed JSON response", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			resp, err := c.Post(context.Background(), "/management/v1/users/human/_import", map[string]string{"a": "b"})
			require.Error(t, err)
			assert.Nil(t, resp)

			var ie *Error
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, tc.kind, ie.Kind)
			assert.Equal(t, tc.status, ie.Status)
			assert.Equal(t, tc.message, ie.Message)
			assert.Equal(t, tc.transient, ie.Transient())
			assert.Equal(t, !tc.transient, ie.Permanent())
		})
	}
}

func TestSend_TimeoutIsTransport(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(config.IDPConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, staticTokens{token: "abc"})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "/slow")
	require.Error(t, err)
	assert.Equal(t, KindTransport, kindOf(t, err))
	assert.True(t, IsTransient(err))
}

func TestSend_TokenFailureSkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	c, err := NewClient(config.IDPConfig{BaseURL: srv.URL, Timeout: time.Second}, staticTokens{err: errors.New("boom")})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "/x")
	require.Error(t, err)
	assert.Equal(t, KindToken, kindOf(t, err))
	assert.True(t, IsTransient(err))
	assert.False(t, called)
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "email taken", Message(&Error{Kind: KindClient, Message: "email taken"}))
	assert.Equal(t, "plain", Message(errors.New("plain")))
	assert.Equal(t, "", Message(nil))
}
