// Package workspace implements the workspace session engine: the
// workspace registry, membership and session state, message dispatch,
// fan-out, and reconnect supervision. A per-room struct guarded by a
// single mutex realizes the single-writer-per-room discipline, with a
// subscriber map for fan-out.
package workspace

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scratchcollab/colabd/internal/protocol"
	"github.com/scratchcollab/colabd/pkg/permissions"
)

// Outbound is how a Workspace delivers frames to one connection. Send must
// be non-blocking from the caller's perspective — implementations queue or
// drop under backpressure (§4.F, §9 "Shared state without locking I/O").
type Outbound interface {
	Send(msg *protocol.ServerMsg)
	Close(code int, reason string)
}

// Member is one authenticated connection in a workspace (§3).
type Member struct {
	UserID       string
	Username     string
	ConnID       string        // correlation id for logs only, never wire-visible
	PlatformRole protocol.Role // role asserted at admission time, immutable
	Role         protocol.Role // current role used by the resolver; promotable
	Permissions  permissions.Set
	Cursor       *CursorCoord
	IsOwner      bool
	Out          Outbound

	// skipCleanup is set on a member replaced by a reconnecting identity
	// (§4.E). Its own close handler must not release locks, remove the
	// member, or emit user_left.
	skipCleanup bool
}

// CursorCoord is a member's last-reported cursor position.
type CursorCoord struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Lock is an advisory exclusive claim on an element id (§3).
type Lock struct {
	ElementID string
	Holder    string
	Version   int
}

// entityKey identifies a versioned entity by kind and id.
type entityKey struct {
	Kind protocol.EntityKind
	ID   string
}

// Entity is a versioned piece of shared state (§3).
type Entity struct {
	Kind          protocol.EntityKind
	ID            string
	Version       int
	Data          json.RawMessage
	FirstEditedBy string
	FirstEditedAt time.Time
	UpdatedBy     string
	UpdatedAt     time.Time
}

// ETag derives the weak ETag for an entity's current version.
func (e *Entity) ETag() string {
	return fmt.Sprintf(`W/"%s:%s:%d"`, e.Kind, e.ID, e.Version)
}

// Conflict describes a failed If-Match check (§4.D, §6 conflict frame).
type Conflict struct {
	EntityType    protocol.EntityKind
	EntityID      string
	IfMatch       string
	CurrentEtag   string
	FirstEditedBy string
	FirstEditedAt time.Time
}

func etagSatisfied(ifMatch, currentEtag string) bool {
	return ifMatch == "" || ifMatch == `*` || ifMatch == currentEtag
}
