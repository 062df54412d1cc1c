package session

import (
	"context"
	"sync"
	"time"

	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/metrics"
	"github.com/corkboard/realtime/internal/v1/types"
	"go.uber.org/zap"
	"k8s.io/utils/set"
)

// Cursor is a user's last known pointer position in canvas coordinates.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// UserPresence is the authoritative in-memory record for one authenticated
// user. It exists from auth:success until the user's session closes.
type UserPresence struct {
	ID           types.UserIdType
	Name         types.DisplayNameType
	Email        string
	Picture      string
	Color        string
	Cursor       Cursor
	LastActivity time.Time
}

// Identity is the verified profile a session authenticates as, merged from
// the token claims and the identity store.
type Identity struct {
	ID      types.UserIdType
	Name    types.DisplayNameType
	Email   string
	Picture string
}

// SpaceInfo is the access-checked description of a space a user is joining.
// For the public space it is synthesized without a store lookup.
type SpaceInfo struct {
	ID       types.SpaceIdType
	Name     string
	IsPublic bool
}

// Registry owns every shared map of the hub: open sessions, authenticated
// users, session handles, space membership, card locks, and selections.
// One coarse mutex serializes all mutations so the multi-step transitions
// of the selection machine (deselect old, select new, relock) are atomic
// with respect to every other session.
//
// Broadcast frames are enqueued on the recipients' buffered channels inside
// the critical section, which fixes the per-recipient frame order; the
// actual socket writes happen on each session's writer goroutine.
type Registry struct {
	mu sync.Mutex

	open        map[*Client]struct{}
	users       map[types.UserIdType]*UserPresence
	sessions    map[types.UserIdType]*Client
	spaceByUser map[types.UserIdType]types.SpaceIdType
	members     map[types.SpaceIdType]set.Set[types.UserIdType]
	locks       map[types.CardIdType]types.UserIdType
	selections  map[types.UserIdType]types.CardIdType

	palette []string
}

// NewRegistry creates an empty registry. An empty palette falls back to the
// built-in twelve colors.
func NewRegistry(palette []string) *Registry {
	if len(palette) == 0 {
		palette = defaultPalette
	}
	return &Registry{
		open:        make(map[*Client]struct{}),
		users:       make(map[types.UserIdType]*UserPresence),
		sessions:    make(map[types.UserIdType]*Client),
		spaceByUser: make(map[types.UserIdType]types.SpaceIdType),
		members:     make(map[types.SpaceIdType]set.Set[types.UserIdType]),
		locks:       make(map[types.CardIdType]types.UserIdType),
		selections:  make(map[types.UserIdType]types.CardIdType),
		palette:     palette,
	}
}

// Track registers a freshly upgraded connection for liveness sweeps. The
// session is not yet authenticated.
func (r *Registry) Track(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[c] = struct{}{}
}

// Authenticate binds a verified identity to a session and assigns a display
// color. If the same user is already registered on another session, that
// session is evicted through the full disconnect path first, so its locks
// release and its space sees the leave. The auth:success frame is enqueued
// inside the critical section to keep it ordered before any broadcast that
// follows.
func (r *Registry) Authenticate(c *Client, id Identity) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.sessions[id.ID]; ok && prior != c {
		logging.Info(context.Background(), "Duplicate login detected, evicting prior session",
			zap.String("userId", string(id.ID)),
			zap.String("priorSessionId", prior.sessionID),
			zap.String("sessionId", c.sessionID))
		r.disconnectLocked(prior)
		prior.Disconnect()
	}

	color := r.nextColorLocked()
	r.users[id.ID] = &UserPresence{
		ID:           id.ID,
		Name:         id.Name,
		Email:        id.Email,
		Picture:      id.Picture,
		Color:        color,
		LastActivity: time.Now(),
	}
	r.sessions[id.ID] = c
	c.setIdentity(id.ID, id.Name, color)

	c.sendBytes(encodeFrame(authSuccessFrame{
		Type:      frameAuthSuccess,
		UserID:    id.ID,
		UserName:  id.Name,
		UserColor: color,
	}))

	return color
}

// ownsLocked reports whether c is still the registered session for its user.
// An evicted session can race a frame in before its transport closes; such
// frames must not act on the successor's state.
func (r *Registry) ownsLocked(c *Client) (types.UserIdType, bool) {
	uid := c.UserID()
	if uid == "" {
		return "", false
	}
	cur, ok := r.sessions[uid]
	return uid, ok && cur == c
}

// JoinSpace moves the session's user into an access-checked space. Joining
// the current space again is idempotent: the confirmation and roster are
// resent with no user:join broadcast. Joining a different space runs the
// leave sequence for the old space first.
func (r *Registry) JoinSpace(c *Client, space SpaceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid, ok := r.ownsLocked(c)
	if !ok {
		return
	}

	if r.spaceByUser[uid] == space.ID {
		c.sendBytes(encodeFrame(spaceJoinedFrame{
			Type:     frameSpaceJoined,
			SpaceID:  space.ID,
			Name:     space.Name,
			IsPublic: space.IsPublic,
		}))
		c.sendBytes(encodeFrame(usersListFrame{Type: frameUsersList, Users: r.rosterLocked(space.ID)}))
		return
	}

	r.leaveSpaceLocked(c)

	ids, ok := r.members[space.ID]
	if !ok {
		ids = set.New[types.UserIdType]()
		r.members[space.ID] = ids
		metrics.ActiveSpaces.Inc()
	}
	ids.Insert(uid)
	r.spaceByUser[uid] = space.ID
	metrics.SpaceMembers.WithLabelValues(string(space.ID)).Set(float64(ids.Len()))

	c.sendBytes(encodeFrame(spaceJoinedFrame{
		Type:     frameSpaceJoined,
		SpaceID:  space.ID,
		Name:     space.Name,
		IsPublic: space.IsPublic,
	}))

	color := ""
	if p, ok := r.users[uid]; ok {
		color = p.Color
	}
	r.broadcastLocked(space.ID, encodeFrame(userJoinFrame{
		Type:      frameUserJoin,
		UserID:    uid,
		UserName:  c.DisplayName(),
		UserColor: color,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}), uid)

	c.sendBytes(encodeFrame(usersListFrame{Type: frameUsersList, Users: r.rosterLocked(space.ID)}))
}

// LeaveSpace removes the session's user from their current space. Leaving
// when not in a space is a silent no-op.
func (r *Registry) LeaveSpace(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ownsLocked(c); !ok {
		return
	}
	r.leaveSpaceLocked(c)
}

// leaveSpaceLocked clears the user's selection, releases their locks with
// card:unlocked broadcasts to the old space, removes the membership, and
// only then broadcasts user:leave. Peers derive UI state from each frame in
// order, so unlocks must land before the leave.
func (r *Registry) leaveSpaceLocked(c *Client) {
	uid := c.UserID()
	spaceID, ok := r.spaceByUser[uid]
	if !ok {
		return
	}

	delete(r.selections, uid)
	r.releaseLocksLocked(uid, spaceID)

	delete(r.spaceByUser, uid)
	if ids, ok := r.members[spaceID]; ok {
		ids.Delete(uid)
		if ids.Len() == 0 {
			delete(r.members, spaceID)
			metrics.ActiveSpaces.Dec()
			metrics.SpaceMembers.DeleteLabelValues(string(spaceID))
		} else {
			metrics.SpaceMembers.WithLabelValues(string(spaceID)).Set(float64(ids.Len()))
		}
	}

	r.broadcastLocked(spaceID, encodeFrame(userLeaveFrame{
		Type:     frameUserLeave,
		UserID:   uid,
		UserName: c.DisplayName(),
	}), "")
}

// Disconnect runs the full cleanup for a closing session: leave the current
// space (with its broadcasts), release any remaining locks, and drop the
// user from every map. Safe to call more than once and for sessions that
// were evicted by a duplicate login.
func (r *Registry) Disconnect(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(c)
}

func (r *Registry) disconnectLocked(c *Client) {
	delete(r.open, c)

	uid, ok := r.ownsLocked(c)
	if !ok {
		return
	}

	r.leaveSpaceLocked(c)

	// Locks held outside any space release without broadcast: no audience.
	delete(r.selections, uid)
	r.releaseLocksLocked(uid, "")

	delete(r.sessions, uid)
	delete(r.users, uid)
}

// UpdateCursor records the pointer position and fans it out to the rest of
// the user's space. Hot path: no logging here.
func (r *Registry) UpdateCursor(c *Client, x, y float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid, ok := r.ownsLocked(c)
	if !ok {
		return
	}
	p := r.users[uid]
	p.Cursor = Cursor{X: x, Y: y}
	p.LastActivity = time.Now()

	spaceID, ok := r.spaceByUser[uid]
	if !ok {
		return
	}
	r.broadcastLocked(spaceID, encodeFrame(cursorMoveFrame{
		Type:      frameCursorMove,
		UserID:    uid,
		UserName:  p.Name,
		UserColor: p.Color,
		X:         x,
		Y:         y,
	}), uid)
}

// BroadcastPassthrough fans an enriched mutation frame out to the rest of
// the sender's space. The returned space id feeds the bridge publication;
// ok is false when the sender is not in a space.
func (r *Registry) BroadcastPassthrough(c *Client, data []byte) (types.SpaceIdType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid, ok := r.ownsLocked(c)
	if !ok {
		return "", false
	}
	spaceID, ok := r.spaceByUser[uid]
	if !ok {
		return "", false
	}
	r.broadcastLocked(spaceID, data, uid)
	return spaceID, true
}

// SweepLiveness partitions open sessions for one heartbeat tick. Sessions
// that never answered the previous probe are cleaned out of every map and
// returned as dead; the rest have their flag lowered and are returned for
// probing. Unauthenticated sessions are swept like any other.
func (r *Registry) SweepLiveness() (dead, live []*Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.open {
		if c.isAlive() {
			c.setAlive(false)
			live = append(live, c)
			continue
		}
		r.disconnectLocked(c)
		dead = append(dead, c)
	}
	return dead, live
}

// OpenSessions snapshots every tracked session, for shutdown.
func (r *Registry) OpenSessions() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Client, 0, len(r.open))
	for c := range r.open {
		out = append(out, c)
	}
	return out
}

// rosterLocked builds the users:list payload for one space, the joiner
// included.
func (r *Registry) rosterLocked(spaceID types.SpaceIdType) []userEntry {
	ids, ok := r.members[spaceID]
	if !ok {
		return []userEntry{}
	}
	entries := make([]userEntry, 0, ids.Len())
	for uid := range ids {
		p, ok := r.users[uid]
		if !ok {
			continue
		}
		entries = append(entries, userEntry{
			ID:      p.ID,
			Name:    p.Name,
			Color:   p.Color,
			Picture: p.Picture,
			Cursor:  p.Cursor,
		})
	}
	return entries
}
