package workspace

import (
	"encoding/json"
	"testing"

	"github.com/scratchcollab/colabd/internal/protocol"
	"github.com/scratchcollab/colabd/pkg/permissions"
)

// fakeOutbound records frames sent to it instead of writing to a socket,
// letting broadcast logic be exercised directly against an in-memory
// fake rather than a real connection.
type fakeOutbound struct {
	sent   []*protocol.ServerMsg
	closed bool
	code   int
	reason string
}

func (f *fakeOutbound) Send(msg *protocol.ServerMsg) { f.sent = append(f.sent, msg) }
func (f *fakeOutbound) Close(code int, reason string) {
	f.closed = true
	f.code = code
	f.reason = reason
}

func TestJoinFirstMemberIsOwner(t *testing.T) {
	ws := NewWorkspace("w1")
	out := &fakeOutbound{}
	m, replaced, isJoin := ws.Join("u1", "Alice", "c1", protocol.RoleAdmin, out)

	if replaced != nil {
		t.Fatal("expected no prior connection to replace")
	}
	if !isJoin {
		t.Fatal("expected first admission to be a join")
	}
	if !m.IsOwner {
		t.Error("expected first member to be owner")
	}
	if m.Permissions != permissions.AdminSet() {
		t.Errorf("expected ADMIN role to resolve to AdminSet, got %+v", m.Permissions)
	}
}

func TestJoinReplacesExistingConnection(t *testing.T) {
	ws := NewWorkspace("w1")
	out1 := &fakeOutbound{}
	ws.Join("u1", "Alice", "c1", protocol.RoleAdmin, out1)

	out2 := &fakeOutbound{}
	_, replaced, isJoin := ws.Join("u1", "Alice", "c2", protocol.RoleAdmin, out2)

	if replaced == nil {
		t.Fatal("expected prior connection to be returned for replacement")
	}
	if isJoin {
		t.Error("expected a replacement, not a fresh join")
	}
	if ws.MemberCount() != 1 {
		t.Errorf("expected exactly one member after takeover, got %d", ws.MemberCount())
	}
}

// TestLeaveSkipsReplacedConnection covers §4.E: a connection marked
// skipCleanup by a reconnect must not release locks or remove the member
// when its own close handler later runs.
func TestLeaveSkipsReplacedConnection(t *testing.T) {
	ws := NewWorkspace("w1")
	out1 := &fakeOutbound{}
	m1, _, _ := ws.Join("u1", "Alice", "c1", protocol.RoleAdmin, out1)
	ws.RequestLock("u1", "b1")

	out2 := &fakeOutbound{}
	ws.Join("u1", "Alice", "c2", protocol.RoleAdmin, out2)

	released, removed, _ := ws.Leave(m1)
	if removed {
		t.Fatal("expected replaced connection's Leave to be a no-op")
	}
	if released != nil {
		t.Fatal("expected no locks released by the superseded connection")
	}
	if holder, ok := ws.LockHolder("b1"); !ok || holder != "u1" {
		t.Error("expected lock to survive the takeover")
	}
}

func TestLeaveReleasesLocksAndReportsEmpty(t *testing.T) {
	ws := NewWorkspace("w1")
	out := &fakeOutbound{}
	m, _, _ := ws.Join("u1", "Alice", "c1", protocol.RoleAdmin, out)
	ws.RequestLock("u1", "b1")
	ws.RequestLock("u1", "b2")

	released, removed, becameEmpty := ws.Leave(m)
	if !removed || !becameEmpty {
		t.Fatalf("expected removed=true, becameEmpty=true, got removed=%v becameEmpty=%v", removed, becameEmpty)
	}
	if len(released) != 2 {
		t.Errorf("expected 2 locks released, got %d", len(released))
	}
	if _, ok := ws.LockHolder("b1"); ok {
		t.Error("expected lock to be released on leave")
	}
}

func TestRequestLockGrantDenyReGrant(t *testing.T) {
	ws := NewWorkspace("w1")

	lock, granted, deniedBy := ws.RequestLock("u1", "b1")
	if !granted || deniedBy != "" {
		t.Fatal("expected first request to grant")
	}
	if lock.Version != 1 {
		t.Errorf("expected version 1 on first grant, got %d", lock.Version)
	}

	_, granted, deniedBy = ws.RequestLock("u2", "b1")
	if granted || deniedBy != "u1" {
		t.Fatalf("expected denial naming u1, got granted=%v deniedBy=%q", granted, deniedBy)
	}

	lock, granted, _ = ws.RequestLock("u1", "b1")
	if !granted {
		t.Fatal("expected re-grant to the existing holder to succeed")
	}
	if lock.Version != 2 {
		t.Errorf("expected version to bump to 2 on re-grant, got %d", lock.Version)
	}
}

func TestReleaseLockOnlyByHolder(t *testing.T) {
	ws := NewWorkspace("w1")
	ws.RequestLock("u1", "b1")

	if ws.ReleaseLock("u2", "b1") {
		t.Fatal("expected non-holder release to fail")
	}
	if !ws.ReleaseLock("u1", "b1") {
		t.Fatal("expected holder release to succeed")
	}
	if _, ok := ws.LockHolder("b1"); ok {
		t.Error("expected lock to be gone after release")
	}
}

func TestCreateOrUpdateEntityETagConflict(t *testing.T) {
	ws := NewWorkspace("w1")
	data := json.RawMessage(`{"x":1}`)

	entity, conflict := ws.CreateOrUpdateEntity(protocol.EntityBlock, "b1", "", data, "u1")
	if conflict != nil {
		t.Fatalf("unexpected conflict on creation: %+v", conflict)
	}
	if entity.Version != 1 {
		t.Errorf("expected version 1 on creation, got %d", entity.Version)
	}
	firstEtag := entity.ETag()

	_, conflict = ws.CreateOrUpdateEntity(protocol.EntityBlock, "b1", `W/"block:b1:999"`, data, "u2")
	if conflict == nil {
		t.Fatal("expected a stale ifMatch to conflict")
	}
	if conflict.CurrentEtag != firstEtag {
		t.Errorf("expected conflict to report current etag %q, got %q", firstEtag, conflict.CurrentEtag)
	}

	entity, conflict = ws.CreateOrUpdateEntity(protocol.EntityBlock, "b1", firstEtag, data, "u2")
	if conflict != nil {
		t.Fatalf("expected matching ifMatch to succeed, got conflict %+v", conflict)
	}
	if entity.Version != 2 {
		t.Errorf("expected version to bump to 2, got %d", entity.Version)
	}
	if entity.UpdatedBy != "u2" {
		t.Errorf("expected updatedBy to be u2, got %q", entity.UpdatedBy)
	}
	if entity.FirstEditedBy != "u1" {
		t.Errorf("expected firstEditedBy to remain u1, got %q", entity.FirstEditedBy)
	}
}

func TestDeleteEntityRemovesDerivedSpriteMetrics(t *testing.T) {
	ws := NewWorkspace("w1")
	ws.CreateOrUpdateEntity(protocol.EntitySprite, "s1", "", json.RawMessage(`{}`), "u1")
	ws.CreateOrUpdateEntity(protocol.EntitySpriteMetrics, "s1", "", json.RawMessage(`{}`), "u1")
	ws.CreateOrUpdateEntity(protocol.EntityWorkspaceSnapshot, "s1", "", json.RawMessage(`{}`), "u1")

	_, conflict := ws.DeleteEntity(protocol.EntitySprite, "s1", "*")
	if conflict != nil {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
	if _, ok := ws.GetEntity(protocol.EntitySprite, "s1"); ok {
		t.Error("expected sprite entity to be removed")
	}
	if _, ok := ws.GetEntity(protocol.EntitySpriteMetrics, "s1"); ok {
		t.Error("expected derived sprite-metrics entity to be removed alongside its sprite")
	}
	if _, ok := ws.GetEntity(protocol.EntityWorkspaceSnapshot, "s1"); ok {
		t.Error("expected derived workspace-snapshot entity to be removed alongside its sprite")
	}
}

func TestApplyPresetReplacesGlobal(t *testing.T) {
	ws := NewWorkspace("w1")
	admin := &fakeOutbound{}
	ws.Join("admin", "Admin", "c1", protocol.RoleAdmin, admin)

	student := &fakeOutbound{}
	ws.Join("s1", "Student", "c2", protocol.RoleStudent, student)

	changed, err := ws.ApplyPreset("admin", permissions.PresetWork)
	if err != nil {
		t.Fatalf("unexpected error applying preset: %v", err)
	}
	want, _ := permissions.Preset(permissions.PresetWork)
	if got := changed["s1"]; got != want {
		t.Errorf("expected student's resolved permissions to become the work preset, got %+v", got)
	}

	// A prior ad-hoc global grant must not survive the preset replacement.
	ws.UpdateGlobalPermission("admin", "canRecordAudio", true)
	changed2, err := ws.ApplyPreset("admin", permissions.PresetRestricted)
	if err != nil {
		t.Fatalf("unexpected error applying second preset: %v", err)
	}
	if got := changed2["s1"]; got.CanRecordAudio {
		t.Error("expected preset to replace, not merge with, the prior global")
	}
}

func TestUpdateGlobalPermissionRequiresCanChangePermissions(t *testing.T) {
	ws := NewWorkspace("w1")
	student := &fakeOutbound{}
	ws.Join("s1", "Student", "c1", protocol.RoleStudent, student)

	_, err := ws.UpdateGlobalPermission("s1", "canEditBlocks", true)
	if err != ErrForbidden {
		t.Fatalf("expected ErrForbidden for a student without canChangePermissions, got %v", err)
	}
}

func TestRequestTeacherRoleGatesOnPlatformRole(t *testing.T) {
	ws := NewWorkspace("w1")
	student := &fakeOutbound{}
	ws.Join("s1", "Student", "c1", protocol.RoleStudent, student)

	if _, err := ws.RequestTeacherRole("s1"); err != ErrForbidden {
		t.Fatalf("expected STUDENT self-escalation to be forbidden, got %v", err)
	}

	teacher := &fakeOutbound{}
	ws.Join("t1", "Teacher", "c2", protocol.RoleTeacher, teacher)
	perms, err := ws.RequestTeacherRole("t1")
	if err != nil {
		t.Fatalf("unexpected error for TEACHER self-escalation: %v", err)
	}
	if perms != permissions.TeacherSet() {
		t.Errorf("expected resolved permissions to equal TeacherSet, got %+v", perms)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	ws := NewWorkspace("w1")
	out1 := &fakeOutbound{}
	out2 := &fakeOutbound{}
	ws.Join("u1", "Alice", "c1", protocol.RoleAdmin, out1)
	ws.Join("u2", "Bob", "c2", protocol.RoleStudent, out2)

	sender := "u1"
	ws.Broadcast(&sender, protocol.NewServerMsg("ping", nil))

	if len(out1.sent) != 0 {
		t.Error("expected sender to be skipped")
	}
	if len(out2.sent) != 1 {
		t.Errorf("expected the other member to receive the broadcast, got %d frames", len(out2.sent))
	}
}
