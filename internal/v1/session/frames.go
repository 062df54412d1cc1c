package session

import (
	"context"
	"encoding/json"

	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/types"
	"go.uber.org/zap"
)

// Frame types accepted from clients.
const (
	frameAuth              = "auth"
	frameSpaceJoin         = "space:join"
	frameSpaceLeave        = "space:leave"
	frameCursorMove        = "cursor:move"
	frameCardLock          = "card:lock"
	frameCardUnlock        = "card:unlock"
	frameCardSelect        = "card:select"
	frameCardDeselect      = "card:deselect"
	frameCardCreated       = "card:created"
	frameCardUpdated       = "card:updated"
	frameCardDeleted       = "card:deleted"
	frameConnectionCreated = "connection:created"
	frameConnectionDeleted = "connection:deleted"
)

// Frame types emitted by the hub.
const (
	frameAuthSuccess    = "auth:success"
	frameAuthError      = "auth:error"
	frameError          = "error"
	frameSpaceJoined    = "space:joined"
	frameUsersList      = "users:list"
	frameUserJoin       = "user:join"
	frameUserLeave      = "user:leave"
	frameCardLocked     = "card:locked"
	frameCardUnlocked   = "card:unlocked"
	frameCardSelected   = "card:selected"
	frameCardDeselected = "card:deselected"
)

// Error messages surfaced to clients. The frontend matches on these strings,
// so they are part of the protocol.
const (
	errInvalidFormat        = "Invalid message format"
	errUnknownType          = "Unknown message type"
	errAuthRequired         = "Authentication required"
	errAuthFailed           = "Authentication failed"
	errAlreadyAuthenticated = "Already authenticated"
	errSpaceNotFound        = "Space not found"
	errAccessDenied         = "Access denied to this space"
	errJoinFailed           = "Unable to join space"
	errCardLocked           = "Card is already locked by another user"
)

// inboundFrame is the superset of fields a client frame may carry. The wire
// format is a flat JSON object discriminated by "type"; fields a given type
// does not use unmarshal to their zero values. Passthrough frames
// (card:created and friends) are re-parsed as generic maps instead.
type inboundFrame struct {
	Type    string            `json:"type"`
	Token   string            `json:"token,omitempty"`
	SpaceID types.SpaceIdType `json:"spaceId,omitempty"`
	CardID  types.CardIdType  `json:"cardId,omitempty"`
	X       float64           `json:"x,omitempty"`
	Y       float64           `json:"y,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorFrame(msg string) errorFrame {
	return errorFrame{Type: frameError, Message: msg}
}

type authSuccessFrame struct {
	Type      string                `json:"type"`
	UserID    types.UserIdType      `json:"userId"`
	UserName  types.DisplayNameType `json:"userName"`
	UserColor string                `json:"userColor"`
}

type spaceJoinedFrame struct {
	Type     string            `json:"type"`
	SpaceID  types.SpaceIdType `json:"spaceId"`
	Name     string            `json:"name"`
	IsPublic bool              `json:"isPublic"`
}

type usersListFrame struct {
	Type  string      `json:"type"`
	Users []userEntry `json:"users"`
}

// userEntry is one member in a users:list roster.
type userEntry struct {
	ID      types.UserIdType      `json:"id"`
	Name    types.DisplayNameType `json:"name"`
	Color   string                `json:"color"`
	Picture string                `json:"picture,omitempty"`
	Cursor  Cursor                `json:"cursor"`
}

type userJoinFrame struct {
	Type      string                `json:"type"`
	UserID    types.UserIdType      `json:"userId"`
	UserName  types.DisplayNameType `json:"userName"`
	UserColor string                `json:"userColor"`
	Timestamp string                `json:"timestamp"`
}

type userLeaveFrame struct {
	Type     string                `json:"type"`
	UserID   types.UserIdType      `json:"userId"`
	UserName types.DisplayNameType `json:"userName"`
}

type cursorMoveFrame struct {
	Type      string                `json:"type"`
	UserID    types.UserIdType      `json:"userId"`
	UserName  types.DisplayNameType `json:"userName"`
	UserColor string                `json:"userColor"`
	X         float64               `json:"x"`
	Y         float64               `json:"y"`
}

// cardStateFrame covers card:locked and card:selected, which share a shape.
type cardStateFrame struct {
	Type      string                `json:"type"`
	CardID    types.CardIdType      `json:"cardId"`
	UserID    types.UserIdType      `json:"userId"`
	UserName  types.DisplayNameType `json:"userName"`
	UserColor string                `json:"userColor"`
}

type cardUnlockedFrame struct {
	Type   string           `json:"type"`
	CardID types.CardIdType `json:"cardId"`
}

type cardDeselectedFrame struct {
	Type     string                `json:"type"`
	CardID   types.CardIdType      `json:"cardId"`
	UserID   types.UserIdType      `json:"userId"`
	UserName types.DisplayNameType `json:"userName"`
}

// encodeFrame marshals an outbound frame once so fan-out can reuse the bytes
// for every recipient. Returns nil on marshal failure; senders skip nil.
func encodeFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal outbound frame", zap.Error(err))
		return nil
	}
	return data
}
