// Package protocol defines the WebSocket message envelope and wire
// constants shared between the dispatcher and the transport layer.
package protocol

// Role is a member's platform-asserted (or admin-promoted) role.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleTeacher Role = "TEACHER"
	RoleStudent Role = "STUDENT"
	RoleParent  Role = "PARENT"
)

// EntityKind identifies the kind of a versioned shared entity.
type EntityKind string

const (
	EntityBlock             EntityKind = "block"
	EntitySprite            EntityKind = "sprite"
	EntitySpriteMetrics     EntityKind = "sprite-metrics"
	EntityWorkspaceSnapshot EntityKind = "workspace-snapshot"
)

// Application-level WebSocket close codes (RFC 6455 reserves 4000-4999 for
// private use).
const (
	CloseReplacedByReconnect = 4001
	CloseAdmissionRejected   = 4003
)

// TicketAudience is the required `aud` claim on a join ticket.
const TicketAudience = "colab-backend"

// MaxUserIDLen and MaxDisplayNameLen bound the `sub`/`username` claims and
// the update_username frame.
const (
	MaxUserIDLen      = 128
	MaxDisplayNameLen = 64
)

// MaxWorkspaceSnapshotChars bounds the serialized size of a
// workspace_snapshot frame's payload.
const MaxWorkspaceSnapshotChars = 2_000_000
