package workspace

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scratchcollab/colabd/internal/protocol"
	"github.com/scratchcollab/colabd/pkg/logger"
	"github.com/scratchcollab/colabd/pkg/permissions"
	"github.com/scratchcollab/colabd/pkg/ticket"
)

// Session is one connection's dispatcher state: a thin per-socket handler
// that owns no state of its own beyond what workspace it has joined, and
// defers every mutation to the workspace it attaches to. It fans out
// across roughly twenty message kinds, so Handle is one long switch.
type Session struct {
	registry *Registry
	verifier *ticket.Verifier
	out      Outbound
	connID   string

	workspace *Workspace
	member    *Member
	authed    bool
}

// NewSession constructs a dispatcher bound to one outbound channel.
func NewSession(registry *Registry, verifier *ticket.Verifier, out Outbound, connID string) *Session {
	return &Session{registry: registry, verifier: verifier, out: out, connID: connID}
}

// Handle parses and dispatches one inbound frame. closeCode is non-zero
// when the transport must close the socket after this call (admission
// rejection); the reason accompanies it. A panic inside a handler is
// recovered here, logged, and answered with a generic error frame; the
// connection stays open.
func (s *Session) Handle(raw []byte) (closeCode int, closeReason string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session %s: handler panicked: %v", s.connID, r)
			s.out.Send(errorFrame("Invalid message format"))
			closeCode, closeReason = 0, ""
		}
	}()

	msg, err := protocol.ParseClientMsg(raw)
	if err != nil {
		s.out.Send(errorFrame("malformed frame"))
		return 0, ""
	}

	if !s.authed && msg.Type != "auth" {
		s.out.Send(errorFrame("not authenticated"))
		return 0, ""
	}

	switch msg.Type {
	case "auth":
		return s.handleAuth(msg)
	case "request_shared_state":
		s.handleRequestSharedState()
	case "request_teacher_role":
		s.handleRequestTeacherRole()
	case "update_username":
		s.handleUpdateUsername(msg)
	case "update_global_permission":
		s.handleUpdateGlobalPermission(msg)
	case "update_user_permission":
		s.handleUpdateUserPermission(msg)
	case "clear_user_permissions":
		s.handleClearUserPermissions(msg)
	case "apply_preset_mode":
		s.handleApplyPresetMode(msg)
	case "request_lock":
		s.handleRequestLock(msg)
	case "release_lock":
		s.handleReleaseLock(msg)
	case "update_coords":
		s.handleUpdateCoords(msg)
	case "element_drag":
		s.handlePassthrough(msg)
	case "block_focus":
		s.handlePassthrough(msg)
	case "block_move":
		s.handleBlockMove(msg)
	case "sprite_update":
		s.handleSpriteUpdate(msg)
	case "stack_move", "action":
		s.handlePassthrough(msg)
	case "create_element":
		s.handleCreateElement(msg)
	case "delete_element":
		s.handleDeleteElement(msg)
	case "workspace_snapshot":
		s.handleWorkspaceSnapshot(msg)
	default:
		logger.Debug("session %s: unknown frame type %q", s.connID, msg.Type)
	}
	return 0, ""
}

// Disconnect runs the AUTHENTICATED→DETACHED transition (§4.G) for this
// session's own connection. It is a no-op for a connection superseded by
// a reconnect (skipCleanup), since that teardown belongs to the new
// connection instead.
func (s *Session) Disconnect() {
	if !s.authed || s.workspace == nil || s.member == nil {
		return
	}
	released, removed, becameEmpty := s.workspace.Leave(s.member)
	if !removed {
		return
	}
	for _, elementID := range released {
		s.workspace.Broadcast(nil, protocol.NewServerMsg("element_unlocked", map[string]interface{}{
			"elementId": elementID,
		}))
	}
	s.workspace.Broadcast(nil, protocol.NewServerMsg("user_left", map[string]interface{}{
		"userId": s.member.UserID,
	}))
	if becameEmpty {
		s.registry.RemoveIfEmpty(s.workspace.ID)
	}
}

func (s *Session) handleAuth(msg *protocol.ClientMsg) (int, string) {
	claims, err := s.verifier.Verify(msg.Token, msg.Workspace, msg.UserID)
	if err != nil {
		reason := "invalid"
		if rej, ok := err.(*ticket.RejectError); ok {
			reason = string(rej.Reason)
		}
		s.out.Send(protocol.NewServerMsg("error", map[string]interface{}{
			"message": fmt.Sprintf("admission rejected: %s", reason),
			"reason":  reason,
		}))
		return protocol.CloseAdmissionRejected, "admission rejected: " + reason
	}

	username := strings.TrimSpace(msg.Username)
	if username == "" {
		username = strings.TrimSpace(claims.Username)
	}
	if username == "" {
		username = claims.Subject
	}
	if len(username) > protocol.MaxDisplayNameLen {
		username = username[:protocol.MaxDisplayNameLen]
	}

	role := protocol.Role(claims.Role)
	if role == "" {
		role = protocol.RoleStudent
	}

	ws := s.registry.GetOrCreate(claims.WorkspaceID)
	member, replaced, isJoin := ws.Join(claims.Subject, username, s.connID, role, s.out)

	if replaced != nil {
		replaced.Out.Close(protocol.CloseReplacedByReconnect, "Reconnected with same userId")
	}

	s.workspace = ws
	s.member = member
	s.authed = true

	s.out.Send(protocol.NewServerMsg("auth_success", map[string]interface{}{
		"userId":      member.UserID,
		"workspaceId": ws.ID,
		"permissions": member.Permissions.ToMap(),
		"role":        string(member.Role),
		"isOwner":     member.IsOwner,
		"sharedState": s.sharedStateFields(),
		"users":       s.usersList(),
	}))

	evtType := "user_joined"
	if !isJoin {
		evtType = "user_updated"
	}
	ws.Broadcast(&member.UserID, protocol.NewServerMsg(evtType, userSummary(member)))

	return 0, ""
}

func (s *Session) handleRequestSharedState() {
	s.out.Send(protocol.NewServerMsg("shared_state", s.sharedStateFields()))
}

func (s *Session) handleRequestTeacherRole() {
	perms, err := s.workspace.RequestTeacherRole(s.member.UserID)
	if err != nil {
		s.out.Send(errorFrame("only ADMIN or TEACHER may request the teacher role"))
		return
	}
	s.out.Send(protocol.NewServerMsg("permissions_updated", map[string]interface{}{
		"permissions": perms.ToMap(),
	}))
	s.workspace.Broadcast(nil, protocol.NewServerMsg("user_updated", userSummary(s.member)))
}

func (s *Session) handleUpdateUsername(msg *protocol.ClientMsg) {
	name := strings.TrimSpace(msg.Username)
	if len(name) > protocol.MaxDisplayNameLen {
		name = name[:protocol.MaxDisplayNameLen]
	}
	if name == "" || !s.workspace.SetUsername(s.member.UserID, name) {
		return
	}
	s.member.Username = name
	s.workspace.Broadcast(nil, protocol.NewServerMsg("user_updated", userSummary(s.member)))
}

func (s *Session) handleUpdateGlobalPermission(msg *protocol.ClientMsg) {
	if msg.Key == "" || msg.Value == nil {
		return
	}
	changed, err := s.workspace.UpdateGlobalPermission(s.member.UserID, msg.Key, *msg.Value)
	if err != nil {
		return
	}
	s.fanOutPermissionChanges(changed)
}

func (s *Session) handleUpdateUserPermission(msg *protocol.ClientMsg) {
	target := msg.UserID
	if target == "" {
		return
	}
	if msg.Key == "" || msg.Value == nil {
		return
	}
	perms, err := s.workspace.UpdateUserPermission(s.member.UserID, target, msg.Key, *msg.Value)
	if err != nil {
		return
	}
	s.workspace.Send(target, protocol.NewServerMsg("permissions_updated", map[string]interface{}{
		"permissions": perms.ToMap(),
	}))
	s.workspace.Broadcast(nil, protocol.NewServerMsg("user_updated", map[string]interface{}{
		"userId":      target,
		"permissions": perms.ToMap(),
	}))
}

func (s *Session) handleClearUserPermissions(msg *protocol.ClientMsg) {
	target := msg.UserID
	if target == "" {
		return
	}
	perms, err := s.workspace.ClearUserPermissions(s.member.UserID, target)
	if err != nil {
		return
	}
	s.workspace.Send(target, protocol.NewServerMsg("permissions_updated", map[string]interface{}{
		"permissions": perms.ToMap(),
	}))
	s.workspace.Broadcast(nil, protocol.NewServerMsg("user_updated", map[string]interface{}{
		"userId":      target,
		"permissions": perms.ToMap(),
	}))
}

func (s *Session) handleApplyPresetMode(msg *protocol.ClientMsg) {
	if msg.Mode == "" {
		return
	}
	changed, err := s.workspace.ApplyPreset(s.member.UserID, msg.Mode)
	if err != nil {
		return
	}
	for userID, perms := range changed {
		s.workspace.Send(userID, protocol.NewServerMsg("permissions_updated", map[string]interface{}{
			"source":      "preset_update",
			"mode":        msg.Mode,
			"permissions": perms.ToMap(),
		}))
	}
}

func (s *Session) fanOutPermissionChanges(changed map[string]permissions.Set) {
	for userID, perms := range changed {
		s.workspace.Send(userID, protocol.NewServerMsg("permissions_updated", map[string]interface{}{
			"permissions": perms.ToMap(),
		}))
		s.workspace.Broadcast(nil, protocol.NewServerMsg("user_updated", map[string]interface{}{
			"userId":      userID,
			"permissions": perms.ToMap(),
		}))
	}
}

func (s *Session) handleRequestLock(msg *protocol.ClientMsg) {
	elementID := msg.ElementID
	if elementID == "" {
		return
	}
	key, ok := permissions.EditPermissionFor(msg.ElementType)
	if !ok {
		key = "canEditBlocks"
	}
	perms, ok := s.workspace.EffectivePermissions(s.member.UserID)
	if !ok {
		return
	}
	allowed, _ := perms.Get(key)
	if !allowed {
		s.out.Send(protocol.NewServerMsg("lock_denied", map[string]interface{}{
			"elementId": elementID,
			"lockedBy":  nil,
			"reason":    "forbidden",
		}))
		return
	}

	lock, granted, deniedBy := s.workspace.RequestLock(s.member.UserID, elementID)
	if !granted {
		s.out.Send(protocol.NewServerMsg("lock_denied", map[string]interface{}{
			"elementId": elementID,
			"lockedBy":  deniedBy,
		}))
		return
	}
	s.out.Send(protocol.NewServerMsg("lock_granted", map[string]interface{}{
		"elementId": elementID,
		"version":   lock.Version,
	}))
	s.workspace.Broadcast(&s.member.UserID, protocol.NewServerMsg("element_locked", map[string]interface{}{
		"elementId": elementID,
		"lockedBy":  s.member.UserID,
		"version":   lock.Version,
	}))
}

func (s *Session) handleReleaseLock(msg *protocol.ClientMsg) {
	elementID := msg.ElementID
	if elementID == "" || !s.workspace.ReleaseLock(s.member.UserID, elementID) {
		return
	}
	fields := map[string]interface{}{"elementId": elementID}
	if msg.FinalPosition != nil {
		fields["finalPosition"] = msg.FinalPosition
	}
	s.workspace.Broadcast(nil, protocol.NewServerMsg("element_unlocked", fields))
}

func (s *Session) handleUpdateCoords(msg *protocol.ClientMsg) {
	if !s.workspace.SetCursor(s.member.UserID, msg.X, msg.Y) {
		return
	}
	s.workspace.Broadcast(&s.member.UserID, protocol.NewServerMsg("coords_update", map[string]interface{}{
		"userId": s.member.UserID,
		"x":      msg.X,
		"y":      msg.Y,
	}))
}

// handlePassthrough covers element_drag, block_focus, stack_move, and
// action: transient frames with no shared-state write, re-broadcast
// verbatim to the rest of the workspace (§4.D).
func (s *Session) handlePassthrough(msg *protocol.ClientMsg) {
	fields := make(map[string]interface{}, len(msg.Raw))
	for k, v := range msg.Raw {
		if k == "type" {
			continue
		}
		fields[k] = v
	}
	s.workspace.Broadcast(&s.member.UserID, protocol.NewServerMsg(msg.Type, fields))
}

// handleBlockMove implements the unified "lock-check first, then
// permission, then version" ordering adopted for both block_move and
// sprite_update (§9 open question resolution).
func (s *Session) handleBlockMove(msg *protocol.ClientMsg) {
	blockID := msg.BlockID
	if blockID == "" {
		blockID = msg.ElementID
	}
	if blockID == "" {
		return
	}
	if holder, locked := s.workspace.LockHolder(blockID); locked && holder != s.member.UserID {
		return
	}
	perms, ok := s.workspace.EffectivePermissions(s.member.UserID)
	if !ok || !perms.CanEditBlocks {
		return
	}

	payload := filteredRaw(msg.Raw, "type", "ifMatch", "etag", "blockId", "elementId")
	entity, conflict := s.workspace.CreateOrUpdateEntity(protocol.EntityBlock, blockID, msg.IfMatch, payload, s.member.UserID)
	if conflict != nil {
		s.out.Send(conflictFrame(conflict))
		return
	}

	fields := rawFieldsWithout(msg.Raw, "ifMatch", "etag")
	fields["blockId"] = blockID
	fields["etag"] = entity.ETag()
	fields["version"] = entity.Version
	fields["firstEditedBy"] = entity.FirstEditedBy
	fields["firstEditedAt"] = entity.FirstEditedAt.UnixMilli()
	fields["updatedBy"] = entity.UpdatedBy
	fields["updatedAt"] = entity.UpdatedAt.UnixMilli()
	s.workspace.Broadcast(nil, protocol.NewServerMsg("block_move", fields))
}

func (s *Session) handleSpriteUpdate(msg *protocol.ClientMsg) {
	spriteID := msg.SpriteID
	if spriteID == "" {
		spriteID = msg.ElementID
	}
	if spriteID == "" {
		return
	}
	if holder, locked := s.workspace.LockHolder(spriteID); locked && holder != s.member.UserID {
		return
	}
	perms, ok := s.workspace.EffectivePermissions(s.member.UserID)
	if !ok || !perms.CanEditSprites {
		return
	}

	metricsPayload := msg.Metrics
	if metricsPayload == nil {
		metricsPayload = filteredRaw(msg.Raw, "type", "ifMatch", "etag", "spriteId", "elementId", "metrics")
	}
	metricsEntity, conflict := s.workspace.CreateOrUpdateEntity(protocol.EntitySpriteMetrics, spriteID, msg.IfMatch, metricsPayload, s.member.UserID)
	if conflict != nil {
		s.out.Send(conflictFrame(conflict))
		return
	}
	spritePayload := filteredRaw(msg.Raw, "type", "ifMatch", "etag", "spriteId", "elementId")
	spriteEntity, _ := s.workspace.CreateOrUpdateEntity(protocol.EntitySprite, spriteID, "*", spritePayload, s.member.UserID)

	s.workspace.Broadcast(nil, protocol.NewServerMsg("sprite_update", map[string]interface{}{
		"spriteId":    spriteID,
		"metricsEtag": metricsEntity.ETag(),
		"etag":        spriteEntity.ETag(),
		"version":     spriteEntity.Version,
	}))
}

func entityKindFor(elementType string) protocol.EntityKind {
	switch elementType {
	case "sprite":
		return protocol.EntitySprite
	default:
		return protocol.EntityBlock
	}
}

func (s *Session) handleCreateElement(msg *protocol.ClientMsg) {
	elementID := msg.ResolveElementID()
	if elementID == "" {
		s.workspace.Broadcast(&s.member.UserID, protocol.NewServerMsg("element_created", rawFieldsWithout(msg.Raw)))
		return
	}

	kind := entityKindFor(msg.ElementType)
	payload := msg.ElementData
	if payload == nil {
		payload = filteredRaw(msg.Raw, "type", "ifMatch", "etag")
	}

	entity, conflict := s.workspace.CreateOrUpdateEntity(kind, elementID, msg.IfMatch, payload, s.member.UserID)
	if conflict != nil {
		s.out.Send(conflictFrame(conflict))
		return
	}

	fields := rawFieldsWithout(msg.Raw, "ifMatch", "etag")
	fields["elementId"] = elementID
	fields["elementType"] = string(kind)
	fields["etag"] = entity.ETag()
	fields["version"] = entity.Version
	fields["firstEditedBy"] = entity.FirstEditedBy
	fields["firstEditedAt"] = entity.FirstEditedAt.UnixMilli()
	s.workspace.Broadcast(nil, protocol.NewServerMsg("element_created", fields))
}

func (s *Session) handleDeleteElement(msg *protocol.ClientMsg) {
	elementID := msg.ResolveElementID()
	if elementID == "" {
		s.workspace.Broadcast(&s.member.UserID, protocol.NewServerMsg("element_deleted", rawFieldsWithout(msg.Raw)))
		return
	}
	kind := entityKindFor(msg.ElementType)

	entity, conflict := s.workspace.DeleteEntity(kind, elementID, msg.IfMatch)
	if conflict != nil {
		s.out.Send(conflictFrame(conflict))
		return
	}
	if entity == nil {
		return
	}
	s.workspace.Broadcast(nil, protocol.NewServerMsg("element_deleted", map[string]interface{}{
		"elementId":   elementID,
		"elementType": string(kind),
	}))
}

func (s *Session) handleWorkspaceSnapshot(msg *protocol.ClientMsg) {
	perms, ok := s.workspace.EffectivePermissions(s.member.UserID)
	if !ok || !perms.CanEditBlocks {
		return
	}
	if len(msg.Snapshot) > protocol.MaxWorkspaceSnapshotChars {
		s.out.Send(errorFrame("workspace snapshot exceeds the size limit"))
		return
	}
	spriteID := msg.SpriteID
	if spriteID == "" {
		spriteID = msg.ID
	}
	if spriteID == "" {
		return
	}

	entity, conflict := s.workspace.CreateOrUpdateEntity(protocol.EntityWorkspaceSnapshot, spriteID, msg.IfMatch, msg.Snapshot, s.member.UserID)
	if conflict != nil {
		s.out.Send(conflictFrame(conflict))
		return
	}
	s.workspace.Broadcast(nil, protocol.NewServerMsg("workspace_snapshot", map[string]interface{}{
		"spriteId": spriteID,
		"etag":     entity.ETag(),
		"version":  entity.Version,
		"snapshot": entity.Data,
	}))
}

// sharedStateFields builds the elements/spriteMetrics/workspaceSnapshots
// triple used by both auth_success and shared_state (§6).
func (s *Session) sharedStateFields() map[string]interface{} {
	entities := s.workspace.Snapshot()
	elements := make([]map[string]interface{}, 0, len(entities))
	spriteMetrics := make([]map[string]interface{}, 0)
	snapshots := make([]map[string]interface{}, 0)

	for _, e := range entities {
		switch e.Kind {
		case protocol.EntitySpriteMetrics:
			spriteMetrics = append(spriteMetrics, entityWire(e))
		case protocol.EntityWorkspaceSnapshot:
			snapshots = append(snapshots, entityWire(e))
		default:
			elements = append(elements, entityWire(e))
		}
	}

	return map[string]interface{}{
		"elements":           elements,
		"spriteMetrics":      spriteMetrics,
		"workspaceSnapshots": snapshots,
	}
}

func (s *Session) usersList() []map[string]interface{} {
	members := s.workspace.Members()
	out := make([]map[string]interface{}, 0, len(members))
	for _, m := range members {
		out = append(out, userSummary(m))
	}
	return out
}

func userSummary(m *Member) map[string]interface{} {
	return map[string]interface{}{
		"userId":      m.UserID,
		"username":    m.Username,
		"role":        string(m.Role),
		"permissions": m.Permissions.ToMap(),
		"isOwner":     m.IsOwner,
	}
}

func entityWire(e *Entity) map[string]interface{} {
	return map[string]interface{}{
		"id":            e.ID,
		"elementType":   string(e.Kind),
		"version":       e.Version,
		"etag":          e.ETag(),
		"firstEditedBy": e.FirstEditedBy,
		"firstEditedAt": e.FirstEditedAt.UnixMilli(),
		"updatedBy":     e.UpdatedBy,
		"updatedAt":     e.UpdatedAt.UnixMilli(),
		"data":          e.Data,
	}
}

func conflictFrame(c *Conflict) *protocol.ServerMsg {
	return protocol.NewServerMsg("conflict", map[string]interface{}{
		"reason":        "etag_mismatch",
		"entityType":    string(c.EntityType),
		"entityId":      c.EntityID,
		"ifMatch":       c.IfMatch,
		"currentEtag":   c.CurrentEtag,
		"firstEditedBy": c.FirstEditedBy,
		"firstEditedAt": c.FirstEditedAt.UnixMilli(),
	})
}

func errorFrame(message string) *protocol.ServerMsg {
	return protocol.NewServerMsg("error", map[string]interface{}{"message": message})
}

// filteredRaw re-marshals raw minus the given keys, for building an
// entity's stored payload from a passthrough-style frame.
func filteredRaw(raw map[string]interface{}, drop ...string) json.RawMessage {
	if raw == nil {
		return nil
	}
	dropSet := make(map[string]bool, len(drop))
	for _, k := range drop {
		dropSet[k] = true
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if !dropSet[k] {
			out[k] = v
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	return b
}

// rawFieldsWithout copies raw into a fresh map suitable as ServerMsg
// Fields, dropping the given keys (NewServerMsg re-adds "type").
func rawFieldsWithout(raw map[string]interface{}, drop ...string) map[string]interface{} {
	dropSet := map[string]bool{"type": true}
	for _, k := range drop {
		dropSet[k] = true
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if !dropSet[k] {
			out[k] = v
		}
	}
	return out
}
