package workspace

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/scratchcollab/colabd/internal/protocol"
	"github.com/scratchcollab/colabd/pkg/logger"
	"github.com/scratchcollab/colabd/pkg/permissions"
)

// ErrForbidden is returned by the permission-mutation methods when the
// acting user's current effective permissions lack canChangePermissions.
var ErrForbidden = permissionError{"forbidden"}

type permissionError struct{ msg string }

func (e permissionError) Error() string { return e.msg }

// Workspace is one collaboration room: membership, locks, entity
// versions, and permission state, all mutated under a single mutex
// realizing the single-writer-per-workspace discipline.
type Workspace struct {
	ID string

	mu            sync.Mutex
	members       map[string]*Member
	locks         map[string]*Lock
	entities      map[entityKey]*Entity
	global        permissions.Set
	userOverrides map[string]permissions.Set
	presetMode    string
	ownerUserID   string
	createdAt     time.Time
}

// NewWorkspace creates an empty workspace with STUDENT global permissions
// (§4.C "initialises permission state with STUDENT globals on first use").
func NewWorkspace(id string) *Workspace {
	return &Workspace{
		ID:            id,
		members:       make(map[string]*Member),
		locks:         make(map[string]*Lock),
		entities:      make(map[entityKey]*Entity),
		global:        permissions.StudentSet(),
		userOverrides: make(map[string]permissions.Set),
		createdAt:     time.Now(),
	}
}

// MemberCount returns the number of attached members (thread-safe).
func (w *Workspace) MemberCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.members)
}

// effectivePermissionsLocked implements the component-B resolution order
// (§4.B): ADMIN role always wins; TEACHER role wins unless overridden;
// else a per-user override; else the workspace global. Caller must hold mu.
func (w *Workspace) effectivePermissionsLocked(userID string, role protocol.Role) permissions.Set {
	if role == protocol.RoleAdmin {
		return permissions.AdminSet()
	}
	if role == protocol.RoleTeacher {
		if _, overridden := w.userOverrides[userID]; !overridden {
			return permissions.TeacherSet()
		}
	}
	if ov, overridden := w.userOverrides[userID]; overridden {
		return ov
	}
	return w.global
}

// EffectivePermissions is the public, lock-acquiring form of the resolver,
// used by callers (e.g. the dispatcher) that need to inspect a member's
// current permissions outside of a mutating critical section.
func (w *Workspace) EffectivePermissions(userID string) (permissions.Set, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.members[userID]
	if !ok {
		return permissions.Set{}, false
	}
	return w.effectivePermissionsLocked(userID, m.Role), true
}

// Join attaches a new member, replacing any existing connection for the
// same user id (§3 Member invariant, §4.E reconnect supervisor). The
// returned replaced Member, if non-nil, is the prior connection's handle:
// the caller must close it with code 4001 and must not emit user_left for
// it. isJoin is true for a first-time admission (broadcast user_joined),
// false for a replacement (broadcast user_updated).
func (w *Workspace) Join(userID, username, connID string, role protocol.Role, out Outbound) (member *Member, replaced *Member, isJoin bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ownerUserID == "" {
		w.ownerUserID = userID
	}

	prior, existed := w.members[userID]
	if existed {
		prior.skipCleanup = true
		replaced = prior
	}

	m := &Member{
		UserID:       userID,
		Username:     username,
		ConnID:       connID,
		PlatformRole: role,
		Role:         role,
		IsOwner:      w.ownerUserID == userID,
		Out:          out,
	}
	m.Permissions = w.effectivePermissionsLocked(userID, m.Role)
	w.members[userID] = m

	return m, replaced, !existed
}

// Leave detaches a member's own connection handle, releasing its locks.
// It is a no-op if the member was superseded by a reconnect (skipCleanup)
// or is no longer the live entry for its user id (§4.E, §4.G).
func (w *Workspace) Leave(member *Member) (releasedLocks []string, removed bool, becameEmpty bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if member.skipCleanup {
		return nil, false, false
	}
	current, ok := w.members[member.UserID]
	if !ok || current != member {
		return nil, false, false
	}

	for elementID, lock := range w.locks {
		if lock.Holder == member.UserID {
			releasedLocks = append(releasedLocks, elementID)
			delete(w.locks, elementID)
		}
	}
	delete(w.members, member.UserID)

	return releasedLocks, true, len(w.members) == 0
}

// SetCursor updates a member's cursor coordinate.
func (w *Workspace) SetCursor(userID string, x, y float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.members[userID]
	if !ok {
		return false
	}
	m.Cursor = &CursorCoord{X: x, Y: y}
	return true
}

// SetUsername updates a member's display name, trimmed and bounded to
// MaxDisplayNameLen by the caller.
func (w *Workspace) SetUsername(userID, username string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.members[userID]
	if !ok {
		return false
	}
	m.Username = username
	return true
}

// Members returns a stable snapshot of the current membership, used to
// build auth_success's users list and the /workspace/{id} info response.
func (w *Workspace) Members() []*Member {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Member, 0, len(w.members))
	for _, m := range w.members {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// RequestTeacherRole honors role self-escalation (§4.B): only a caller
// whose platform-asserted role is already ADMIN or TEACHER may re-assert
// their role template. For TEACHER, any stale per-user override is
// cleared so the template actually takes effect (resolver step 2).
func (w *Workspace) RequestTeacherRole(userID string) (permissions.Set, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	m, ok := w.members[userID]
	if !ok {
		return permissions.Set{}, ErrForbidden
	}
	switch m.PlatformRole {
	case protocol.RoleAdmin:
		m.Role = protocol.RoleAdmin
	case protocol.RoleTeacher:
		m.Role = protocol.RoleTeacher
		delete(w.userOverrides, userID)
	default:
		return permissions.Set{}, ErrForbidden
	}
	m.Permissions = w.effectivePermissionsLocked(userID, m.Role)
	return m.Permissions, nil
}

// UpdateGlobalPermission sets one key of the workspace global permission
// set, gated on the caller's current canChangePermissions, and recomputes
// every member's effective permissions atomically under the same
// critical section (§4.B).
func (w *Workspace) UpdateGlobalPermission(actingUserID, key string, value bool) (map[string]permissions.Set, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.callerCanChangePermissionsLocked(actingUserID) {
		return nil, ErrForbidden
	}
	updated, ok := w.global.WithKey(key, value)
	if !ok {
		return nil, permissionError{"unknown permission key"}
	}
	w.global = updated
	return w.recomputeAllLocked(), nil
}

// UpdateUserPermission sets one key of a target user's permission
// override, lazily initializing it as a copy of the current global the
// first time an override is created for that user (§4.B).
func (w *Workspace) UpdateUserPermission(actingUserID, targetUserID, key string, value bool) (permissions.Set, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.callerCanChangePermissionsLocked(actingUserID) {
		return permissions.Set{}, ErrForbidden
	}
	ov, exists := w.userOverrides[targetUserID]
	if !exists {
		ov = w.global
	}
	updated, ok := ov.WithKey(key, value)
	if !ok {
		return permissions.Set{}, permissionError{"unknown permission key"}
	}
	w.userOverrides[targetUserID] = updated

	if m, ok := w.members[targetUserID]; ok {
		m.Permissions = w.effectivePermissionsLocked(targetUserID, m.Role)
		return m.Permissions, nil
	}
	return updated, nil
}

// ApplyPreset replaces (never merges) the workspace global permission set
// with a named preset template (§4.B).
func (w *Workspace) ApplyPreset(actingUserID, mode string) (map[string]permissions.Set, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.callerCanChangePermissionsLocked(actingUserID) {
		return nil, ErrForbidden
	}
	preset, ok := permissions.Preset(mode)
	if !ok {
		return nil, permissionError{"unknown preset mode"}
	}
	w.global = preset
	w.presetMode = mode
	return w.recomputeAllLocked(), nil
}

// ClearUserPermissions removes a per-user override, reverting that user to
// role/global resolution.
func (w *Workspace) ClearUserPermissions(actingUserID, targetUserID string) (permissions.Set, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.callerCanChangePermissionsLocked(actingUserID) {
		return permissions.Set{}, ErrForbidden
	}
	delete(w.userOverrides, targetUserID)
	if m, ok := w.members[targetUserID]; ok {
		m.Permissions = w.effectivePermissionsLocked(targetUserID, m.Role)
		return m.Permissions, nil
	}
	return w.global, nil
}

func (w *Workspace) callerCanChangePermissionsLocked(userID string) bool {
	m, ok := w.members[userID]
	if !ok {
		return false
	}
	return w.effectivePermissionsLocked(userID, m.Role).CanChangePermissions
}

// recomputeAllLocked pushes freshly resolved permissions into every member
// and returns the set of members whose effective permissions are now
// current, for the dispatcher to fan out as permissions_updated/
// user_updated frames.
func (w *Workspace) recomputeAllLocked() map[string]permissions.Set {
	changed := make(map[string]permissions.Set, len(w.members))
	for userID, m := range w.members {
		m.Permissions = w.effectivePermissionsLocked(userID, m.Role)
		changed[userID] = m.Permissions
	}
	return changed
}

// Broadcast delivers msg to every member whose user id is not senderID.
// A nil senderID means "include everyone" (§4.F). Sends are dispatched
// via each member's Outbound, which must itself be non-blocking.
func (w *Workspace) Broadcast(senderID *string, msg *protocol.ServerMsg) {
	w.mu.Lock()
	members := make([]*Member, 0, len(w.members))
	for _, m := range w.members {
		members = append(members, m)
	}
	w.mu.Unlock()

	for _, m := range members {
		if senderID != nil && m.UserID == *senderID {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("broadcast to %s panicked: %v", m.UserID, r)
				}
			}()
			m.Out.Send(msg)
		}()
	}
}

// Send delivers msg to exactly one member by user id, if still attached.
func (w *Workspace) Send(userID string, msg *protocol.ServerMsg) {
	w.mu.Lock()
	m, ok := w.members[userID]
	w.mu.Unlock()
	if ok {
		m.Out.Send(msg)
	}
}

// RequestLock implements the advisory lock grant/re-grant/deny rules
// (§3, §4.D). It performs no permission check: the edit-permission gate
// for the element's kind is applied by the caller (Session.handleRequestLock)
// before the lock is consulted. A re-grant to the
// existing holder bumps Version; a grant to a new holder starts at
// Version 1; a request by anyone else while held is denied.
func (w *Workspace) RequestLock(userID, elementID string) (Lock, bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, held := w.locks[elementID]
	if held && existing.Holder != userID {
		return Lock{}, false, existing.Holder
	}

	version := 1
	if held {
		version = existing.Version + 1
	}
	lock := Lock{ElementID: elementID, Holder: userID, Version: version}
	w.locks[elementID] = &lock
	return lock, true, ""
}

// ReleaseLock releases a lock only if userID is its current holder.
func (w *Workspace) ReleaseLock(userID, elementID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	lock, held := w.locks[elementID]
	if !held || lock.Holder != userID {
		return false
	}
	delete(w.locks, elementID)
	return true
}

// LockHolder reports the current holder of an element's lock, if any.
func (w *Workspace) LockHolder(elementID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock, ok := w.locks[elementID]
	if !ok {
		return "", false
	}
	return lock.Holder, true
}

// CreateOrUpdateEntity creates or version-bumps an entity (§4.D entity
// mutation, §6 conflict). ifMatch empty or "*" always succeeds; any other
// value must equal the entity's current ETag, else a Conflict is
// returned and no mutation occurs. Creation (no current entity) ignores
// ifMatch unless it names a specific non-"*" etag, which can never match
// a not-yet-existing entity and so always conflicts. "*" does not give
// create-only semantics: against an existing entity it is satisfied and
// the entity is updated.
func (w *Workspace) CreateOrUpdateEntity(kind protocol.EntityKind, id, ifMatch string, data json.RawMessage, userID string) (*Entity, *Conflict) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := entityKey{Kind: kind, ID: id}
	now := time.Now()
	existing, exists := w.entities[key]

	if exists {
		currentEtag := existing.ETag()
		if !etagSatisfied(ifMatch, currentEtag) {
			return nil, &Conflict{
				EntityType:    kind,
				EntityID:      id,
				IfMatch:       ifMatch,
				CurrentEtag:   currentEtag,
				FirstEditedBy: existing.FirstEditedBy,
				FirstEditedAt: existing.FirstEditedAt,
			}
		}
		existing.Version++
		existing.Data = data
		existing.UpdatedBy = userID
		existing.UpdatedAt = now
		return existing, nil
	}

	if ifMatch != "" && ifMatch != "*" {
		return nil, &Conflict{
			EntityType:  kind,
			EntityID:    id,
			IfMatch:     ifMatch,
			CurrentEtag: "",
		}
	}

	entity := &Entity{
		Kind:          kind,
		ID:            id,
		Version:       1,
		Data:          data,
		FirstEditedBy: userID,
		FirstEditedAt: now,
		UpdatedBy:     userID,
		UpdatedAt:     now,
	}
	w.entities[key] = entity
	return entity, nil
}

// DeleteEntity removes an entity under the same If-Match discipline as
// CreateOrUpdateEntity. Deleting a sprite also removes its derived
// sprite-metrics and workspace-snapshot entities, both keyed by the
// sprite's id (§3 "Entity" invariant: derived entities are owned by
// their sprite's lifecycle).
func (w *Workspace) DeleteEntity(kind protocol.EntityKind, id, ifMatch string) (*Entity, *Conflict) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := entityKey{Kind: kind, ID: id}
	existing, exists := w.entities[key]
	if !exists {
		return nil, nil
	}

	currentEtag := existing.ETag()
	if !etagSatisfied(ifMatch, currentEtag) {
		return nil, &Conflict{
			EntityType:    kind,
			EntityID:      id,
			IfMatch:       ifMatch,
			CurrentEtag:   currentEtag,
			FirstEditedBy: existing.FirstEditedBy,
			FirstEditedAt: existing.FirstEditedAt,
		}
	}

	delete(w.entities, key)
	if kind == protocol.EntitySprite {
		delete(w.entities, entityKey{Kind: protocol.EntitySpriteMetrics, ID: id})
		delete(w.entities, entityKey{Kind: protocol.EntityWorkspaceSnapshot, ID: id})
	}
	return existing, nil
}

// GetEntity looks up an entity by kind and id.
func (w *Workspace) GetEntity(kind protocol.EntityKind, id string) (*Entity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[entityKey{Kind: kind, ID: id}]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// Snapshot returns every entity currently held, for request_shared_state
// and the shared_state push.
func (w *Workspace) Snapshot() []*Entity {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Entity, 0, len(w.entities))
	for _, e := range w.entities {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
