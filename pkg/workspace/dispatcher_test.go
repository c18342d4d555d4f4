package workspace

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scratchcollab/colabd/internal/protocol"
	"github.com/scratchcollab/colabd/pkg/ticket"
)

const dispatcherTestSecret = "dispatcher-test-secret"

func signAuthTicket(t *testing.T, sub, workspaceID, jti, role string) string {
	t.Helper()
	claims := ticket.Claims{
		WorkspaceID: workspaceID,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Audience:  jwt.ClaimStrings{protocol.TicketAudience},
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(dispatcherTestSecret))
	if err != nil {
		t.Fatalf("sign test ticket: %v", err)
	}
	return signed
}

func newDispatcherHarness(t *testing.T) (*Registry, *ticket.Verifier) {
	t.Helper()
	t.Setenv("COLAB_JOIN_TOKEN_SECRET", dispatcherTestSecret)
	t.Setenv("CRON_SECRET", "")
	return NewRegistry(time.Minute), ticket.NewVerifier(false)
}

func authFrame(token string) []byte {
	b, _ := json.Marshal(map[string]interface{}{"type": "auth", "token": token})
	return b
}

func findFrame(out *fakeOutbound, msgType string) *protocol.ServerMsg {
	for _, m := range out.sent {
		if m.Type == msgType {
			return m
		}
	}
	return nil
}

// TestScenarioBasicJoin mirrors §8 scenario 1.
func TestScenarioBasicJoin(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)

	outA := &fakeOutbound{}
	sessA := NewSession(registry, verifier, outA, "connA")
	sessA.Handle(authFrame(signAuthTicket(t, "u1", "w", "j1", "ADMIN")))

	authSuccessA := findFrame(outA, "auth_success")
	if authSuccessA == nil {
		t.Fatal("expected auth_success for A")
	}
	if authSuccessA.Fields["isOwner"] != true {
		t.Error("expected A to be owner")
	}
	users, _ := authSuccessA.Fields["users"].([]map[string]interface{})
	if len(users) != 1 {
		t.Errorf("expected A's users list to have 1 entry, got %d", len(users))
	}

	outB := &fakeOutbound{}
	sessB := NewSession(registry, verifier, outB, "connB")
	sessB.Handle(authFrame(signAuthTicket(t, "u2", "w", "j2", "STUDENT")))

	userJoined := findFrame(outA, "user_joined")
	if userJoined == nil {
		t.Fatal("expected A to receive user_joined for B")
	}
	if userJoined.Fields["userId"] != "u2" {
		t.Errorf("expected user_joined to name u2, got %v", userJoined.Fields["userId"])
	}

	authSuccessB := findFrame(outB, "auth_success")
	if authSuccessB == nil {
		t.Fatal("expected auth_success for B")
	}
	usersB, _ := authSuccessB.Fields["users"].([]map[string]interface{})
	if len(usersB) != 2 {
		t.Errorf("expected B's users list to have 2 entries, got %d", len(usersB))
	}
	perms, _ := authSuccessB.Fields["permissions"].(map[string]bool)
	if perms["canEditBlocks"] {
		t.Error("expected STUDENT to lack canEditBlocks")
	}
}

// TestScenarioLockContention mirrors §8 scenario 2.
func TestScenarioLockContention(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)

	outA := &fakeOutbound{}
	sessA := NewSession(registry, verifier, outA, "connA")
	sessA.Handle(authFrame(signAuthTicket(t, "u1", "w", "j1", "ADMIN")))

	// B is TEACHER (not STUDENT) so the permission gate in request_lock
	// passes and the denial below is attributable purely to lock
	// contention, not to a lack of canEditBlocks.
	outB := &fakeOutbound{}
	sessB := NewSession(registry, verifier, outB, "connB")
	sessB.Handle(authFrame(signAuthTicket(t, "u2", "w", "j2", "TEACHER")))

	reqLock, _ := json.Marshal(map[string]interface{}{"type": "request_lock", "elementId": "b1", "elementType": "block"})
	sessA.Handle(reqLock)

	granted := findFrame(outA, "lock_granted")
	if granted == nil || granted.Fields["elementId"] != "b1" || granted.Fields["version"] != 1 {
		t.Fatalf("expected lock_granted{elementId:b1,version:1}, got %+v", granted)
	}
	locked := findFrame(outB, "element_locked")
	if locked == nil || locked.Fields["lockedBy"] != "u1" {
		t.Fatalf("expected B to observe element_locked by u1, got %+v", locked)
	}

	sessB.Handle(reqLock)
	denied := findFrame(outB, "lock_denied")
	if denied == nil || denied.Fields["lockedBy"] != "u1" {
		t.Fatalf("expected lock_denied naming u1, got %+v", denied)
	}
}

// TestScenarioETagConflict mirrors §8 scenario 3.
func TestScenarioETagConflict(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)

	outA := &fakeOutbound{}
	sessA := NewSession(registry, verifier, outA, "connA")
	sessA.Handle(authFrame(signAuthTicket(t, "u1", "w", "j1", "ADMIN")))

	outB := &fakeOutbound{}
	sessB := NewSession(registry, verifier, outB, "connB")
	sessB.Handle(authFrame(signAuthTicket(t, "u2", "w", "j2", "ADMIN")))

	create, _ := json.Marshal(map[string]interface{}{
		"type": "create_element", "elementType": "block", "elementId": "b2",
		"elementData": map[string]interface{}{"id": "b2", "position": map[string]int{"x": 0, "y": 0}},
	})
	sessA.Handle(create)

	created := findFrame(outB, "element_created")
	if created == nil {
		t.Fatal("expected B to observe element_created")
	}
	if created.Fields["etag"] != `W/"block:b2:1"` {
		t.Errorf("expected etag W/\"block:b2:1\", got %v", created.Fields["etag"])
	}

	outB.sent = nil
	move, _ := json.Marshal(map[string]interface{}{
		"type": "block_move", "blockId": "b2",
		"position": map[string]int{"x": 5, "y": 5},
		"ifMatch":  `W/"block:b2:999"`,
	})
	sessB.Handle(move)

	conflict := findFrame(outB, "conflict")
	if conflict == nil {
		t.Fatal("expected B to receive a conflict frame")
	}
	if conflict.Fields["currentEtag"] != `W/"block:b2:1"` || conflict.Fields["firstEditedBy"] != "u1" {
		t.Errorf("unexpected conflict fields: %+v", conflict.Fields)
	}
	if findFrame(outA, "block_move") != nil || findFrame(outB, "block_move") != nil {
		t.Error("expected no block_move broadcast after a conflict")
	}
}

// TestDeleteElementWithUnresolvableIdBroadcastsRawPayload covers the
// legacy-compatibility fallback for delete_element: an id that can't be
// resolved still broadcasts the raw payload instead of being dropped,
// mirroring create_element's own fallback.
func TestDeleteElementWithUnresolvableIdBroadcastsRawPayload(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)

	outA := &fakeOutbound{}
	sessA := NewSession(registry, verifier, outA, "connA")
	sessA.Handle(authFrame(signAuthTicket(t, "u1", "w", "j1", "ADMIN")))

	outB := &fakeOutbound{}
	sessB := NewSession(registry, verifier, outB, "connB")
	sessB.Handle(authFrame(signAuthTicket(t, "u2", "w", "j2", "ADMIN")))

	del, _ := json.Marshal(map[string]interface{}{"type": "delete_element", "note": "legacy"})
	sessA.Handle(del)

	deleted := findFrame(outB, "element_deleted")
	if deleted == nil {
		t.Fatal("expected B to observe a broadcast element_deleted frame")
	}
	if deleted.Fields["note"] != "legacy" {
		t.Errorf("expected the raw payload to be re-broadcast verbatim, got %+v", deleted.Fields)
	}
	if _, hasID := deleted.Fields["elementId"]; hasID {
		t.Errorf("expected no synthesized elementId for an unresolvable delete, got %+v", deleted.Fields)
	}
}

// TestDeleteSpriteElementRemovesDerivedEntities covers the dispatcher-level
// wiring for sprite deletion: both its derived sprite-metrics and
// workspace-snapshot entities must be gone afterward.
func TestDeleteSpriteElementRemovesDerivedEntities(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)

	outA := &fakeOutbound{}
	sessA := NewSession(registry, verifier, outA, "connA")
	sessA.Handle(authFrame(signAuthTicket(t, "u1", "w", "j1", "ADMIN")))

	create, _ := json.Marshal(map[string]interface{}{
		"type": "create_element", "elementType": "sprite", "elementId": "s1",
		"elementData": map[string]interface{}{"id": "s1"},
	})
	sessA.Handle(create)

	update := json.RawMessage(`{"type":"sprite_update","spriteId":"s1","x":1,"y":2}`)
	sessA.Handle(update)

	snap, _ := json.Marshal(map[string]interface{}{
		"type": "workspace_snapshot", "spriteId": "s1", "snapshot": map[string]interface{}{"frame": 1},
	})
	sessA.Handle(snap)

	del, _ := json.Marshal(map[string]interface{}{"type": "delete_element", "elementType": "sprite", "elementId": "s1"})
	sessA.Handle(del)

	if _, ok := sessA.workspace.GetEntity(protocol.EntitySprite, "s1"); ok {
		t.Error("expected sprite entity to be removed")
	}
	if _, ok := sessA.workspace.GetEntity(protocol.EntitySpriteMetrics, "s1"); ok {
		t.Error("expected derived sprite-metrics entity to be removed")
	}
	if _, ok := sessA.workspace.GetEntity(protocol.EntityWorkspaceSnapshot, "s1"); ok {
		t.Error("expected derived workspace-snapshot entity to be removed")
	}
}

// TestScenarioReconnectTakeover mirrors §8 scenario 4.
func TestScenarioReconnectTakeover(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)

	outA1 := &fakeOutbound{}
	sessA1 := NewSession(registry, verifier, outA1, "connA1")
	sessA1.Handle(authFrame(signAuthTicket(t, "u1", "w", "j1", "ADMIN")))

	outB := &fakeOutbound{}
	sessB := NewSession(registry, verifier, outB, "connB")
	sessB.Handle(authFrame(signAuthTicket(t, "u2", "w", "j2", "STUDENT")))

	reqLock, _ := json.Marshal(map[string]interface{}{"type": "request_lock", "elementId": "b1", "elementType": "block"})
	sessA1.Handle(reqLock)

	outB.sent = nil
	outA2 := &fakeOutbound{}
	sessA2 := NewSession(registry, verifier, outA2, "connA2")
	sessA2.Handle(authFrame(signAuthTicket(t, "u1", "w", "j3", "ADMIN")))

	if !outA1.closed || outA1.code != protocol.CloseReplacedByReconnect {
		t.Fatalf("expected old connection closed with code %d, got closed=%v code=%d", protocol.CloseReplacedByReconnect, outA1.closed, outA1.code)
	}

	updated := findFrame(outB, "user_updated")
	if updated == nil || updated.Fields["userId"] != "u1" {
		t.Fatalf("expected B to observe user_updated for u1, got %+v", updated)
	}
	if findFrame(outB, "user_joined") != nil {
		t.Error("a reconnect must not be reported as user_joined")
	}

	if holder, ok := sessA2.workspace.LockHolder("b1"); !ok || holder != "u1" {
		t.Error("expected u1's lock to survive the reconnect")
	}

	sessA1.Disconnect()
	if holder, ok := sessA2.workspace.LockHolder("b1"); !ok || holder != "u1" {
		t.Error("the superseded connection's Disconnect must not release u1's locks")
	}
}

// TestScenarioPresetMode mirrors §8 scenario 6.
func TestScenarioPresetMode(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)

	outA := &fakeOutbound{}
	sessA := NewSession(registry, verifier, outA, "connA")
	sessA.Handle(authFrame(signAuthTicket(t, "u1", "w", "j1", "ADMIN")))

	outB := &fakeOutbound{}
	sessB := NewSession(registry, verifier, outB, "connB")
	sessB.Handle(authFrame(signAuthTicket(t, "u2", "w", "j2", "STUDENT")))

	outA.sent, outB.sent = nil, nil
	preset, _ := json.Marshal(map[string]interface{}{"type": "apply_preset_mode", "mode": "presentation"})
	sessA.Handle(preset)

	updatedB := findFrame(outB, "permissions_updated")
	if updatedB == nil {
		t.Fatal("expected B to receive permissions_updated")
	}
	if updatedB.Fields["source"] != "preset_update" || updatedB.Fields["mode"] != "presentation" {
		t.Errorf("unexpected preset fields: %+v", updatedB.Fields)
	}
	perms, _ := updatedB.Fields["permissions"].(map[string]bool)
	if !perms["canView"] || perms["canChat"] {
		t.Errorf("expected presentation preset to leave only canView true, got %+v", perms)
	}

	// B lacks canChangePermissions under the new preset; its own mutation
	// attempt must be silently dropped.
	outA.sent = nil
	upd, _ := json.Marshal(map[string]interface{}{"type": "update_global_permission", "key": "canEditBlocks", "value": true})
	sessB.Handle(upd)
	if findFrame(outA, "permissions_updated") != nil {
		t.Error("expected update_global_permission from a non-privileged member to be silently dropped")
	}
}

func TestUnauthenticatedFrameIsRejectedWithoutClosing(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)
	out := &fakeOutbound{}
	sess := NewSession(registry, verifier, out, "conn1")

	closeCode, _ := sess.Handle([]byte(`{"type":"update_coords","x":1,"y":2}`))
	if closeCode != 0 {
		t.Fatalf("expected connection to stay open, got close code %d", closeCode)
	}
	if findFrame(out, "error") == nil {
		t.Fatal("expected an error frame for an unauthenticated mutation")
	}
}

func TestMalformedFrameIsDroppedNotFatal(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)
	out := &fakeOutbound{}
	sess := NewSession(registry, verifier, out, "conn1")

	closeCode, _ := sess.Handle([]byte(`not json`))
	if closeCode != 0 {
		t.Fatalf("expected malformed frame to stay open, got close code %d", closeCode)
	}
	if findFrame(out, "error") == nil {
		t.Fatal("expected an error frame for a malformed frame")
	}
}

func TestAdmissionRejectedClosesWithCode4003(t *testing.T) {
	registry, verifier := newDispatcherHarness(t)
	out := &fakeOutbound{}
	sess := NewSession(registry, verifier, out, "conn1")

	closeCode, _ := sess.Handle([]byte(`{"type":"auth","token":"garbage"}`))
	if closeCode != protocol.CloseAdmissionRejected {
		t.Fatalf("expected close code %d, got %d", protocol.CloseAdmissionRejected, closeCode)
	}
}
