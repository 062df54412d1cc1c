// Package types holds the identifier newtypes shared across the hub,
// store, and bridge packages.
package types

// UserIdType represents a unique identifier for an authenticated user.
type UserIdType string

// SpaceIdType represents a unique identifier for a workspace.
type SpaceIdType string

// CardIdType represents a unique identifier for a card on the canvas.
// Card ids are globally unique; locks are keyed by card id alone.
type CardIdType string

// DisplayNameType represents the human-readable name for a user.
type DisplayNameType string

// PublicSpaceId is the special always-accessible workspace. It never hits
// the store.
const PublicSpaceId SpaceIdType = "public"
