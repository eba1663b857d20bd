package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"idp-user-sync/internal/config"
	"idp-user-sync/internal/idp"
	profiledomain "idp-user-sync/internal/profile/domain"
	"idp-user-sync/internal/queue"
	userdomain "idp-user-sync/internal/user/domain"
	userrepo "idp-user-sync/internal/user/repository"
)

// memUserRepo is an in-memory UserRepository for tests.
type memUserRepo struct {
	mu     sync.Mutex
	byID   map[string]*userdomain.User
	writes int
}

func newMemUserRepo(users ...*userdomain.User) *memUserRepo {
	r := &memUserRepo{byID: make(map[string]*userdomain.User)}
	for _, u := range users {
		c := *u
		r.byID[u.ID] = &c
	}
	return r
}

func (r *memUserRepo) GetByID(_ context.Context, id string) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.byID[id]
	if u == nil {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (r *memUserRepo) SetExternalID(_ context.Context, userID, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if u := r.byID[userID]; u != nil {
		id := externalID
		u.ExternalID = &id
		u.SyncError = nil
	}
	return nil
}

func (r *memUserRepo) MarkSyncFailed(_ context.Context, userID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if u := r.byID[userID]; u != nil {
		sentinel := userdomain.ExternalIDFailed
		msg := userrepo.TruncateSyncError(reason)
		u.ExternalID = &sentinel
		u.SyncError = &msg
	}
	return nil
}

func (r *memUserRepo) NextUnlinked(_ context.Context) (*userdomain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []*userdomain.User
	for _, u := range r.byID {
		if u.ExternalID == nil {
			pending = append(pending, u)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	c := *pending[0]
	return &c, nil
}

func (r *memUserRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type memProfileRepo struct {
	byUser map[string]*profiledomain.Profile
}

func newMemProfileRepo(profiles ...*profiledomain.Profile) *memProfileRepo {
	r := &memProfileRepo{byUser: make(map[string]*profiledomain.Profile)}
	for _, p := range profiles {
		r.byUser[p.UserID] = p
	}
	return r
}

func (r *memProfileRepo) GetByUser(_ context.Context, userID string) (*profiledomain.Profile, error) {
	return r.byUser[userID], nil
}

type fakeLocker struct {
	busy     bool
	taken    int
	released int
}

func (l *fakeLocker) TryLock(context.Context) (func(), bool, error) {
	if l.busy {
		return nil, false, nil
	}
	l.taken++
	return func() { l.released++ }, true, nil
}

type staticTokens struct{}

func (staticTokens) Token(context.Context) (string, error) { return "test-token", nil }

type recordedCall struct {
	Method string
	Path   string
	Body   string
}

// fakeIdP is an httptest IdP management API. Responses are configurable per endpoint.
type fakeIdP struct {
	mu     sync.Mutex
	calls  []recordedCall
	known  map[string]string // userName -> IdP id
	nextID int

	searchStatus int
	importStatus int
	importBody   string
	putStatus    int

	client *idp.Client
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	f := &fakeIdP{known: make(map[string]string), nextID: 123}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	client, err := idp.NewClient(config.IDPConfig{BaseURL: srv.URL, APIVersion: "v1", Timeout: 2 * time.Second}, staticTokens{})
	require.NoError(t, err)
	f.client = client
	return f
}

func (f *fakeIdP) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})

	switch {
	case strings.HasSuffix(r.URL.Path, "/users/_search"):
		if f.searchStatus != 0 {
			w.WriteHeader(f.searchStatus)
			return
		}
		var req idp.SearchRequest
		_ = json.Unmarshal(body, &req)
		name := ""
		if len(req.Queries) > 0 && req.Queries[0].UserNameQuery != nil {
			name = req.Queries[0].UserNameQuery.UserName
		}
		if id, ok := f.known[name]; ok {
			fmt.Fprintf(w, `{"result":[{"id":%q}]}`, id)
			return
		}
		_, _ = w.Write([]byte(`{"details":{"totalResult":"0"}}`))
	case strings.HasSuffix(r.URL.Path, "/users/human/_import"):
		if f.importStatus != 0 {
			w.WriteHeader(f.importStatus)
			_, _ = w.Write([]byte(f.importBody))
			return
		}
		if f.importBody != "" {
			_, _ = w.Write([]byte(f.importBody))
			return
		}
		fmt.Fprintf(w, `{"userId":"%d"}`, f.nextID)
		f.nextID++
	case r.Method == http.MethodPut:
		if f.putStatus != 0 {
			w.WriteHeader(f.putStatus)
			return
		}
		_, _ = w.Write([]byte(`{"details":{}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeIdP) callsTo(suffix string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if strings.HasSuffix(c.Path, suffix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeIdP) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func syncMessages(t *testing.T, bus *queue.MemoryBus) []SyncMessage {
	t.Helper()
	var out []SyncMessage
	for _, env := range bus.Pending() {
		require.Equal(t, queue.KindSyncUser, env.Kind)
		var msg SyncMessage
		require.NoError(t, env.Decode(&msg))
		out = append(out, msg)
	}
	return out
}

func newUser(id, email string, createdAt time.Time) *userdomain.User {
	return &userdomain.User{
		ID:             id,
		Email:          email,
		PasswordHash:   "$2y$13$hash",
		Enabled:        true,
		EmailConfirmed: true,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func newProfile(userID, first, last string) *profiledomain.Profile {
	return &profiledomain.Profile{ID: "p-" + userID, UserID: userID, ClientID: "client-1", FirstName: first, LastName: last}
}

func strPtr(s string) *string { return &s }
