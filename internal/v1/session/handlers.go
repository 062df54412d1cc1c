package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/metrics"
	"github.com/corkboard/realtime/internal/v1/store"
	"github.com/corkboard/realtime/internal/v1/types"
)

// route decodes one inbound frame and dispatches it. Every rejection is an
// error frame to the sender only; nothing a client sends can close another
// session or crash the hub.
func (h *Hub) route(ctx context.Context, c *Client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		metrics.WebsocketEvents.WithLabelValues("malformed", "rejected").Inc()
		c.sendError(errInvalidFormat)
		return
	}

	if frame.Type != frameAuth && c.UserID() == "" {
		metrics.WebsocketEvents.WithLabelValues("unauthenticated", "rejected").Inc()
		c.sendError(errAuthRequired)
		return
	}

	// Cursor updates are the hot path: no histogram, no logging.
	if frame.Type == frameCursorMove {
		h.handleCursorMove(ctx, c, frame.X, frame.Y)
		metrics.WebsocketEvents.WithLabelValues(frameCursorMove, "ok").Inc()
		return
	}

	// The unknown check runs before any metric labeled with frame.Type so
	// label cardinality stays bounded by the protocol.
	if !knownFrameType(frame.Type) {
		metrics.WebsocketEvents.WithLabelValues("unknown", "rejected").Inc()
		c.sendError(errUnknownType)
		return
	}

	switch frame.Type {
	case frameCardLock, frameCardUnlock, frameCardSelect, frameCardDeselect:
		if frame.CardID == "" {
			metrics.WebsocketEvents.WithLabelValues(frame.Type, "rejected").Inc()
			c.sendError(errInvalidFormat)
			return
		}
	case frameSpaceJoin:
		if frame.SpaceID == "" {
			metrics.WebsocketEvents.WithLabelValues(frame.Type, "rejected").Inc()
			c.sendError(errInvalidFormat)
			return
		}
	}

	timer := prometheus.NewTimer(metrics.FrameProcessingDuration.WithLabelValues(frame.Type))
	defer timer.ObserveDuration()

	switch frame.Type {
	case frameAuth:
		h.handleAuth(ctx, c, frame.Token)
	case frameSpaceJoin:
		h.handleSpaceJoin(ctx, c, frame.SpaceID)
	case frameSpaceLeave:
		h.registry.LeaveSpace(c)
	case frameCardLock:
		h.registry.LockCard(c, frame.CardID)
	case frameCardUnlock:
		h.registry.UnlockCard(c, frame.CardID)
	case frameCardSelect:
		h.registry.SelectCard(c, frame.CardID)
	case frameCardDeselect:
		h.registry.DeselectCard(c, frame.CardID)
	case frameCardCreated, frameCardUpdated, frameCardDeleted,
		frameConnectionCreated, frameConnectionDeleted:
		h.handlePassthrough(ctx, c, data)
	}
	metrics.WebsocketEvents.WithLabelValues(frame.Type, "ok").Inc()
}

func knownFrameType(t string) bool {
	switch t {
	case frameAuth, frameSpaceJoin, frameSpaceLeave, frameCursorMove,
		frameCardLock, frameCardUnlock, frameCardSelect, frameCardDeselect,
		frameCardCreated, frameCardUpdated, frameCardDeleted,
		frameConnectionCreated, frameConnectionDeleted:
		return true
	}
	return false
}

// handleAuth verifies the token, resolves the subject against the identity
// store, and registers the session. The store lookup runs before the
// registry takes its mutex.
func (h *Hub) handleAuth(ctx context.Context, c *Client, token string) {
	if c.UserID() != "" {
		c.sendError(errAlreadyAuthenticated)
		return
	}

	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "Token validation failed",
			zap.String("sessionId", c.sessionID), zap.Error(err))
		c.sendAuthError(errAuthFailed)
		return
	}

	uid := types.UserIdType(claims.Subject)
	user, err := h.store.UserByID(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn(ctx, "Authenticated subject has no user record",
				zap.String("userId", string(uid)))
		} else {
			logging.Error(ctx, "User lookup failed",
				zap.String("userId", string(uid)), zap.Error(err))
		}
		c.sendAuthError(errAuthFailed)
		return
	}

	identity := Identity{
		ID:      user.ID,
		Name:    types.DisplayNameType(user.DisplayName),
		Email:   claims.Email,
		Picture: claims.Picture,
	}
	if user.DisplayName == "" {
		identity.Name = types.DisplayNameType(claims.Name)
	}
	if user.Email != nil {
		identity.Email = *user.Email
	}
	if user.AvatarURL != nil {
		identity.Picture = *user.AvatarURL
	}

	color := h.registry.Authenticate(c, identity)

	logging.Info(ctx, "Session authenticated",
		zap.String("sessionId", c.sessionID),
		zap.String("userId", string(identity.ID)),
		zap.String("email", logging.RedactEmail(identity.Email)),
		zap.String("color", color))
}

func (h *Hub) handleSpaceJoin(ctx context.Context, c *Client, spaceID types.SpaceIdType) {
	space, ok := h.resolveSpace(ctx, c, spaceID)
	if !ok {
		return
	}
	h.registry.JoinSpace(c, space)
	logging.Info(ctx, "User joined space",
		zap.String("userId", string(c.UserID())),
		zap.String("spaceId", string(space.ID)))
}

// resolveSpace answers existence and access for a join. The public space is
// synthesized without touching the store. Store failures are distinguished
// from denials so the client never sees "not found" for an outage.
func (h *Hub) resolveSpace(ctx context.Context, c *Client, spaceID types.SpaceIdType) (SpaceInfo, bool) {
	if spaceID == types.PublicSpaceId {
		return SpaceInfo{ID: types.PublicSpaceId, Name: "Public", IsPublic: true}, true
	}

	s, err := h.store.SpaceByID(ctx, spaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.sendError(errSpaceNotFound)
		} else {
			logging.Error(ctx, "Space lookup failed",
				zap.String("spaceId", string(spaceID)), zap.Error(err))
			c.sendError(errJoinFailed)
		}
		return SpaceInfo{}, false
	}

	if !s.IsPublic && s.OwnerID != c.UserID() {
		member, err := h.store.IsMember(ctx, spaceID, c.UserID())
		if err != nil {
			logging.Error(ctx, "Membership lookup failed",
				zap.String("spaceId", string(spaceID)),
				zap.String("userId", string(c.UserID())), zap.Error(err))
			c.sendError(errJoinFailed)
			return SpaceInfo{}, false
		}
		if !member {
			c.sendError(errAccessDenied)
			return SpaceInfo{}, false
		}
	}

	return SpaceInfo{ID: s.ID, Name: s.Name, IsPublic: s.IsPublic}, true
}

// handleCursorMove applies the per-user throttle, then updates presence and
// fans out. Throttled frames drop silently.
func (h *Hub) handleCursorMove(ctx context.Context, c *Client, x, y float64) {
	if h.limiter != nil && !h.limiter.AllowCursor(ctx, string(c.UserID())) {
		return
	}
	h.registry.UpdateCursor(c, x, y)
}

// handlePassthrough re-broadcasts a client mutation frame to the rest of the
// sender's space and mirrors it to the bridge. The sender attribution is
// overwritten from the session, never trusted from the payload.
func (h *Hub) handlePassthrough(ctx context.Context, c *Client, data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError(errInvalidFormat)
		return
	}
	payload["userId"] = string(c.UserID())
	payload["userName"] = string(c.DisplayName())

	enriched := encodeFrame(payload)
	if enriched == nil {
		return
	}

	spaceID, ok := h.registry.BroadcastPassthrough(c, enriched)
	if !ok {
		return
	}
	h.publishBridge(ctx, spaceID, c.UserID(), enriched)
}
