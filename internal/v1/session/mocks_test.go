package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/corkboard/realtime/internal/v1/auth"
	"github.com/corkboard/realtime/internal/v1/store"
	"github.com/corkboard/realtime/internal/v1/types"
)

// MockConnection implements wsConnection
type MockConnection struct {
	ReadMessageFunc  func() (int, []byte, error)
	WriteMessageFunc func(int, []byte) error
	CloseFunc        func() error

	mu          sync.Mutex
	pongHandler func(string) error
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	if m.ReadMessageFunc != nil {
		return m.ReadMessageFunc()
	}
	return 0, nil, errors.New("no more frames")
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	if m.WriteMessageFunc != nil {
		return m.WriteMessageFunc(messageType, data)
	}
	return nil
}

func (m *MockConnection) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockConnection) SetWriteDeadline(_ time.Time) error {
	return nil
}

func (m *MockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

// Pong invokes the handler readPump registered, as the transport would on a
// pong control frame. Reports false if no handler is registered yet.
func (m *MockConnection) Pong(appData string) bool {
	m.mu.Lock()
	h := m.pongHandler
	m.mu.Unlock()
	if h == nil {
		return false
	}
	_ = h(appData)
	return true
}

// newScriptedConn replays the given frames to the reader, then blocks until
// the connection is closed. Close is idempotent, both pumps call it.
func newScriptedConn(frames ...[]byte) *MockConnection {
	queue := make(chan []byte, len(frames)+1)
	for _, f := range frames {
		queue <- f
	}
	closed := make(chan struct{})
	var once sync.Once

	return &MockConnection{
		ReadMessageFunc: func() (int, []byte, error) {
			select {
			case f := <-queue:
				return websocket.TextMessage, f, nil
			case <-closed:
				return 0, nil, errors.New("use of closed network connection")
			}
		},
		CloseFunc: func() error {
			once.Do(func() { close(closed) })
			return nil
		},
	}
}

type wsWrite struct {
	messageType int
	data        []byte
}

// newRecordingConn captures every socket write for later inspection.
func newRecordingConn() (*MockConnection, func() []wsWrite) {
	var mu sync.Mutex
	var writes []wsWrite

	conn := &MockConnection{
		WriteMessageFunc: func(messageType int, data []byte) error {
			mu.Lock()
			defer mu.Unlock()
			writes = append(writes, wsWrite{messageType, append([]byte(nil), data...)})
			return nil
		},
	}
	snapshot := func() []wsWrite {
		mu.Lock()
		defer mu.Unlock()
		return append([]wsWrite(nil), writes...)
	}
	return conn, snapshot
}

// MockTokenValidator implements TokenValidator with a fixed token table.
type MockTokenValidator struct {
	Users map[string]*auth.CustomClaims
	Err   error
}

func (m *MockTokenValidator) ValidateToken(token string) (*auth.CustomClaims, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	claims, ok := m.Users[token]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// MockStore implements IdentityStore over in-memory maps.
type MockStore struct {
	mu      sync.Mutex
	Users   map[types.UserIdType]*store.User
	Spaces  map[types.SpaceIdType]*store.Space
	Members map[types.SpaceIdType]map[types.UserIdType]bool

	UserErr   error
	SpaceErr  error
	MemberErr error
}

func (m *MockStore) UserByID(_ context.Context, id types.UserIdType) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UserErr != nil {
		return nil, m.UserErr
	}
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (m *MockStore) SpaceByID(_ context.Context, id types.SpaceIdType) (*store.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SpaceErr != nil {
		return nil, m.SpaceErr
	}
	s, ok := m.Spaces[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (m *MockStore) IsMember(_ context.Context, spaceID types.SpaceIdType, userID types.UserIdType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MemberErr != nil {
		return false, m.MemberErr
	}
	return m.Members[spaceID][userID], nil
}

// MockBridge records publishes.
type MockBridge struct {
	mu        sync.Mutex
	published []bridgePublish
	Err       error
}

type bridgePublish struct {
	SpaceID  types.SpaceIdType
	SenderID types.UserIdType
	Frame    []byte
}

func (m *MockBridge) Publish(_ context.Context, spaceID types.SpaceIdType, senderID types.UserIdType, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, bridgePublish{spaceID, senderID, append([]byte(nil), frame...)})
	return m.Err
}

func (m *MockBridge) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func (m *MockBridge) Last() (bridgePublish, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.published) == 0 {
		return bridgePublish{}, false
	}
	return m.published[len(m.published)-1], true
}

func ptr[T any](v T) *T { return &v }

func claimsFor(id, name, email string) *auth.CustomClaims {
	c := &auth.CustomClaims{Name: name, Email: email}
	c.Subject = id
	return c
}

// newTestHub builds a hub over mocks, seeded with three users and a private
// space "design" owned by alice with bob as the only other member.
func newTestHub(t testing.TB) (*Hub, *MockStore, *MockBridge) {
	t.Helper()

	ms := &MockStore{
		Users: map[types.UserIdType]*store.User{
			"alice": {ID: "alice", DisplayName: "Alice Chen", Email: ptr("alice@example.com"), AvatarURL: ptr("https://cdn.example.com/alice.png")},
			"bob":   {ID: "bob", DisplayName: "Bob Osei", Email: ptr("bob@example.com")},
			"carol": {ID: "carol", DisplayName: "Carol Novak"},
		},
		Spaces: map[types.SpaceIdType]*store.Space{
			"design":   {ID: "design", Name: "Design Reviews", IsPublic: false, OwnerID: "alice"},
			"townhall": {ID: "townhall", Name: "Town Hall", IsPublic: true, OwnerID: "carol"},
		},
		Members: map[types.SpaceIdType]map[types.UserIdType]bool{
			"design": {"bob": true},
		},
	}

	validator := &MockTokenValidator{
		Users: map[string]*auth.CustomClaims{
			"token-alice": claimsFor("alice", "Alice Chen", "alice@example.com"),
			"token-bob":   claimsFor("bob", "Bob Osei", "bob@example.com"),
			"token-carol": claimsFor("carol", "Carol Novak", "carol@example.com"),
			"token-ghost": claimsFor("ghost", "Ghost", "ghost@example.com"),
		},
	}

	mb := &MockBridge{}
	h := NewHub(validator, ms, mb, nil, HubConfig{})
	return h, ms, mb
}

// connect registers a tracked but unauthenticated session without running
// the pumps, so tests can drive frames synchronously through route.
func connect(h *Hub) *Client {
	c := newClient(h, &MockConnection{})
	h.registry.Track(c)
	return c
}

func authAs(t testing.TB, h *Hub, user string) *Client {
	t.Helper()
	c := connect(h)
	h.route(context.Background(), c, []byte(`{"type":"auth","token":"token-`+user+`"}`))
	require.Equal(t, types.UserIdType(user), c.UserID())
	drainFrames(t, c)
	return c
}

func joinSpace(t testing.TB, h *Hub, c *Client, spaceID string) {
	t.Helper()
	h.route(context.Background(), c, []byte(`{"type":"space:join","spaceId":"`+spaceID+`"}`))
	frames := drainFrames(t, c)
	require.NotEmpty(t, frames)
	require.Equal(t, frameSpaceJoined, frames[0]["type"])
}

// drainFrames decodes everything buffered on the session's send channel.
func drainFrames(t testing.TB, c *Client) []map[string]any {
	t.Helper()
	var out []map[string]any
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			out = append(out, m)
		default:
			return out
		}
	}
}

func frameTypes(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		s, _ := f["type"].(string)
		out = append(out, s)
	}
	return out
}

func findFrame(frames []map[string]any, frameType string) (map[string]any, bool) {
	for _, f := range frames {
		if f["type"] == frameType {
			return f, true
		}
	}
	return nil, false
}
