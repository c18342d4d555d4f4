package protocol

import (
	"encoding/json"
	"errors"
)

// ErrMalformed is returned by ParseClientMsg for frames that are not a JSON
// object, or that carry no (or a non-string) "type" discriminator.
var ErrMalformed = errors.New("malformed frame")

// ClientMsg is the inbound tagged union over the wire "type" discriminator.
// Every inbound message kind decodes into this one envelope; fields unused
// by a given type are simply left zero. One envelope struct discriminated
// by Type, rather than one optional pointer field per kind, since this
// protocol has many inbound kinds sharing largely disjoint optional fields.
type ClientMsg struct {
	Type string `json:"type"`

	// auth
	Token     string `json:"token,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`

	// update_global_permission / update_user_permission
	Key   string `json:"key,omitempty"`
	Value *bool  `json:"value,omitempty"`

	// apply_preset_mode
	Mode string `json:"mode,omitempty"`

	// request_lock / release_lock / update_coords / element_drag / block_focus
	ElementID   string  `json:"elementId,omitempty"`
	ElementType string  `json:"elementType,omitempty"`
	X           float64 `json:"x,omitempty"`
	Y           float64 `json:"y,omitempty"`

	// entity mutation: block_move, sprite_update, create_element,
	// delete_element, workspace_snapshot
	BlockID       string          `json:"blockId,omitempty"`
	SpriteID      string          `json:"spriteId,omitempty"`
	VariableID    string          `json:"variableId,omitempty"`
	Name          string          `json:"name,omitempty"`
	ID            string          `json:"id,omitempty"`
	IfMatch       string          `json:"ifMatch,omitempty"`
	ETag          string          `json:"etag,omitempty"`
	ElementData   json.RawMessage `json:"elementData,omitempty"`
	Metrics       json.RawMessage `json:"metrics,omitempty"`
	Snapshot      json.RawMessage `json:"snapshot,omitempty"`
	FinalPosition json.RawMessage `json:"finalPosition,omitempty"`

	// Raw holds the fully decoded frame. It backs the single id-probing
	// helper used by create_element/delete_element (§4.D "Element-id
	// resolution") and the verbatim passthrough broadcast for
	// stack_move/action/element_drag/block_focus.
	Raw map[string]interface{} `json:"-"`
}

// ParseClientMsg decodes a raw inbound frame. A non-object frame or one
// missing a string "type" field is malformed (§7).
func ParseClientMsg(data []byte) (*ClientMsg, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrMalformed
	}
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return nil, ErrMalformed
	}

	var msg ClientMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, ErrMalformed
	}
	msg.Raw = raw
	if msg.IfMatch == "" && msg.ETag != "" {
		msg.IfMatch = msg.ETag
	}
	return &msg, nil
}

// ResolveElementID implements §4.D's element-id resolution: explicit
// elementId if present, else probe id/elementId/spriteId/blockId/
// variableId, falling back to name for sprites. Used only by
// create_element/delete_element.
func (m *ClientMsg) ResolveElementID() string {
	if m.ElementID != "" {
		return m.ElementID
	}
	for _, key := range []string{"id", "elementId", "spriteId", "blockId", "variableId"} {
		if v, ok := m.Raw[key].(string); ok && v != "" {
			return v
		}
	}
	if m.ElementType == "sprite" {
		if v, ok := m.Raw["name"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ServerMsg is the outbound tagged union: a custom MarshalJSON flattens it
// into one JSON object, via a single Fields map rather than one pointer
// field per kind, to accommodate this protocol's larger message set.
type ServerMsg struct {
	Type   string
	Fields map[string]interface{}
}

// NewServerMsg builds an outbound frame of the given type.
func NewServerMsg(msgType string, fields map[string]interface{}) *ServerMsg {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return &ServerMsg{Type: msgType, Fields: fields}
}

// MarshalJSON flattens Fields plus the "type" discriminator into one
// object.
func (m *ServerMsg) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	return json.Marshal(out)
}
