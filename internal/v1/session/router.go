package session

import "github.com/corkboard/realtime/internal/v1/types"

// broadcastLocked enqueues one pre-encoded frame on every member of a space,
// minus at most one excluded user. Encoding happens once at the caller; the
// enqueues happen under the registry mutex so every recipient sees frames in
// the same order the registry produced them.
func (r *Registry) broadcastLocked(spaceID types.SpaceIdType, data []byte, exclude types.UserIdType) {
	if data == nil {
		return
	}
	ids, ok := r.members[spaceID]
	if !ok {
		return
	}
	for uid := range ids {
		if uid == exclude {
			continue
		}
		if sess, ok := r.sessions[uid]; ok {
			sess.sendBytes(data)
		}
	}
}

// BroadcastToSpace delivers an externally produced frame to a space, for
// events arriving over the bridge from other hub instances.
func (r *Registry) BroadcastToSpace(spaceID types.SpaceIdType, data []byte, exclude types.UserIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(spaceID, data, exclude)
}
