package session

import (
	"github.com/corkboard/realtime/internal/v1/metrics"
	"github.com/corkboard/realtime/internal/v1/types"
)

// The card state machine, all under the registry mutex.
//
// Locks and selections are separate maps with one invariant between them: a
// selected card is always locked by its selector. Selecting acquires the
// lock implicitly; explicitly unlocking a card you had selected clears the
// selection too, silently, so the invariant holds without a spurious
// deselect broadcast.

// LockCard acquires cardID for the session's user. A card locked by someone
// else is rejected with an error frame and no state change. Re-locking a
// card you already hold repeats the broadcast.
func (r *Registry) LockCard(c *Client, cardID types.CardIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockCardLocked(c, cardID)
}

func (r *Registry) lockCardLocked(c *Client, cardID types.CardIdType) {
	uid, ok := r.ownsLocked(c)
	if !ok {
		return
	}
	if owner, held := r.locks[cardID]; held && owner != uid {
		c.sendBytes(encodeFrame(newErrorFrame(errCardLocked)))
		return
	}
	if _, held := r.locks[cardID]; !held {
		metrics.ActiveLocks.Inc()
	}
	r.locks[cardID] = uid
	r.broadcastCardStateLocked(frameCardLocked, cardID, uid)
}

// UnlockCard releases cardID if the session's user holds it. Unlocking a
// card held by someone else, or not held at all, is a silent no-op.
func (r *Registry) UnlockCard(c *Client, cardID types.CardIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlockCardLocked(c, cardID)
}

func (r *Registry) unlockCardLocked(c *Client, cardID types.CardIdType) {
	uid, ok := r.ownsLocked(c)
	if !ok {
		return
	}
	if r.locks[cardID] != uid {
		return
	}
	delete(r.locks, cardID)
	metrics.ActiveLocks.Dec()
	if r.selections[uid] == cardID {
		delete(r.selections, uid)
	}
	r.broadcastUnlockedLocked(cardID, uid)
}

// SelectCard makes cardID the user's single selection, locking it in the
// same step. Switching selection releases the previous card first, so peers
// see deselect and unlock for the old card before select and lock for the
// new one. Selecting a card someone else holds is rejected with no state
// change, the previous selection included.
func (r *Registry) SelectCard(c *Client, cardID types.CardIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectCardLocked(c, cardID)
}

func (r *Registry) selectCardLocked(c *Client, cardID types.CardIdType) {
	uid, ok := r.ownsLocked(c)
	if !ok {
		return
	}
	if owner, held := r.locks[cardID]; held && owner != uid {
		c.sendBytes(encodeFrame(newErrorFrame(errCardLocked)))
		return
	}

	if prev, had := r.selections[uid]; had && prev != cardID {
		delete(r.selections, uid)
		r.broadcastCardDeselectedLocked(prev, uid)
		if r.locks[prev] == uid {
			delete(r.locks, prev)
			metrics.ActiveLocks.Dec()
			r.broadcastUnlockedLocked(prev, uid)
		}
	}

	r.selections[uid] = cardID
	if _, held := r.locks[cardID]; !held {
		metrics.ActiveLocks.Inc()
	}
	r.locks[cardID] = uid
	r.broadcastCardStateLocked(frameCardSelected, cardID, uid)
	r.broadcastCardStateLocked(frameCardLocked, cardID, uid)
}

// DeselectCard clears the user's selection of cardID and releases its lock.
// Deselecting a card that is not the current selection is a silent no-op.
// The unlock broadcast precedes the deselect broadcast.
func (r *Registry) DeselectCard(c *Client, cardID types.CardIdType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deselectCardLocked(c, cardID)
}

func (r *Registry) deselectCardLocked(c *Client, cardID types.CardIdType) {
	uid, ok := r.ownsLocked(c)
	if !ok {
		return
	}
	if r.selections[uid] != cardID {
		return
	}
	delete(r.selections, uid)
	if r.locks[cardID] == uid {
		delete(r.locks, cardID)
		metrics.ActiveLocks.Dec()
		r.broadcastUnlockedLocked(cardID, uid)
	}
	r.broadcastCardDeselectedLocked(cardID, uid)
}

// releaseLocksLocked drops every lock uid holds. With a space id the
// unlocks are broadcast there; with none they release silently, which is
// the disconnect-outside-a-space case.
func (r *Registry) releaseLocksLocked(uid types.UserIdType, spaceID types.SpaceIdType) {
	for cardID, owner := range r.locks {
		if owner != uid {
			continue
		}
		delete(r.locks, cardID)
		metrics.ActiveLocks.Dec()
		if spaceID != "" {
			r.broadcastLocked(spaceID, encodeFrame(cardUnlockedFrame{
				Type:   frameCardUnlocked,
				CardID: cardID,
			}), "")
		}
	}
}

// broadcastCardStateLocked emits card:locked or card:selected, attributed
// with the actor's name and color, to the actor's space. The actor is not
// excluded: their UI confirms off the same frame.
func (r *Registry) broadcastCardStateLocked(frameType string, cardID types.CardIdType, uid types.UserIdType) {
	spaceID, ok := r.spaceByUser[uid]
	if !ok {
		return
	}
	name := types.DisplayNameType("")
	color := ""
	if p, ok := r.users[uid]; ok {
		name = p.Name
		color = p.Color
	}
	r.broadcastLocked(spaceID, encodeFrame(cardStateFrame{
		Type:      frameType,
		CardID:    cardID,
		UserID:    uid,
		UserName:  name,
		UserColor: color,
	}), "")
}

func (r *Registry) broadcastUnlockedLocked(cardID types.CardIdType, uid types.UserIdType) {
	spaceID, ok := r.spaceByUser[uid]
	if !ok {
		return
	}
	r.broadcastLocked(spaceID, encodeFrame(cardUnlockedFrame{
		Type:   frameCardUnlocked,
		CardID: cardID,
	}), "")
}

func (r *Registry) broadcastCardDeselectedLocked(cardID types.CardIdType, uid types.UserIdType) {
	spaceID, ok := r.spaceByUser[uid]
	if !ok {
		return
	}
	name := types.DisplayNameType("")
	if p, ok := r.users[uid]; ok {
		name = p.Name
	}
	r.broadcastLocked(spaceID, encodeFrame(cardDeselectedFrame{
		Type:     frameCardDeselected,
		CardID:   cardID,
		UserID:   uid,
		UserName: name,
	}), "")
}
