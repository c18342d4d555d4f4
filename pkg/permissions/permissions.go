// Package permissions implements the closed set of 24 workspace permission
// keys and the canonical templates/presets over them.
package permissions

// Set is a total mapping over the closed set of 24 permission keys to
// booleans. The zero value denies everything.
type Set struct {
	CanView              bool `json:"canView"`
	CanEditBlocks        bool `json:"canEditBlocks"`
	CanAddBlocks         bool `json:"canAddBlocks"`
	CanDeleteBlocks      bool `json:"canDeleteBlocks"`
	CanEditSprites       bool `json:"canEditSprites"`
	CanAddSprites        bool `json:"canAddSprites"`
	CanDeleteSprites     bool `json:"canDeleteSprites"`
	CanEditVariables     bool `json:"canEditVariables"`
	CanAddVariables      bool `json:"canAddVariables"`
	CanDeleteVariables   bool `json:"canDeleteVariables"`
	CanRunCode           bool `json:"canRunCode"`
	CanStopCode          bool `json:"canStopCode"`
	CanChat              bool `json:"canChat"`
	CanDraw              bool `json:"canDraw"`
	CanUploadAssets      bool `json:"canUploadAssets"`
	CanEditCostumes      bool `json:"canEditCostumes"`
	CanEditSounds        bool `json:"canEditSounds"`
	CanRecordAudio       bool `json:"canRecordAudio"`
	CanUseCamera         bool `json:"canUseCamera"`
	CanShareProject      bool `json:"canShareProject"`
	CanManageUsers       bool `json:"canManageUsers"`
	CanChangePermissions bool `json:"canChangePermissions"`
	CanKickUsers         bool `json:"canKickUsers"`
	CanLockWorkspace     bool `json:"canLockWorkspace"`
}

// Get returns the value of a permission key and whether the key is known.
func (s Set) Get(key string) (bool, bool) {
	switch key {
	case "canView":
		return s.CanView, true
	case "canEditBlocks":
		return s.CanEditBlocks, true
	case "canAddBlocks":
		return s.CanAddBlocks, true
	case "canDeleteBlocks":
		return s.CanDeleteBlocks, true
	case "canEditSprites":
		return s.CanEditSprites, true
	case "canAddSprites":
		return s.CanAddSprites, true
	case "canDeleteSprites":
		return s.CanDeleteSprites, true
	case "canEditVariables":
		return s.CanEditVariables, true
	case "canAddVariables":
		return s.CanAddVariables, true
	case "canDeleteVariables":
		return s.CanDeleteVariables, true
	case "canRunCode":
		return s.CanRunCode, true
	case "canStopCode":
		return s.CanStopCode, true
	case "canChat":
		return s.CanChat, true
	case "canDraw":
		return s.CanDraw, true
	case "canUploadAssets":
		return s.CanUploadAssets, true
	case "canEditCostumes":
		return s.CanEditCostumes, true
	case "canEditSounds":
		return s.CanEditSounds, true
	case "canRecordAudio":
		return s.CanRecordAudio, true
	case "canUseCamera":
		return s.CanUseCamera, true
	case "canShareProject":
		return s.CanShareProject, true
	case "canManageUsers":
		return s.CanManageUsers, true
	case "canChangePermissions":
		return s.CanChangePermissions, true
	case "canKickUsers":
		return s.CanKickUsers, true
	case "canLockWorkspace":
		return s.CanLockWorkspace, true
	default:
		return false, false
	}
}

// WithKey returns a copy of s with key set to value. ok is false for an
// unknown key, in which case s is returned unchanged.
func (s Set) WithKey(key string, value bool) (Set, bool) {
	switch key {
	case "canView":
		s.CanView = value
	case "canEditBlocks":
		s.CanEditBlocks = value
	case "canAddBlocks":
		s.CanAddBlocks = value
	case "canDeleteBlocks":
		s.CanDeleteBlocks = value
	case "canEditSprites":
		s.CanEditSprites = value
	case "canAddSprites":
		s.CanAddSprites = value
	case "canDeleteSprites":
		s.CanDeleteSprites = value
	case "canEditVariables":
		s.CanEditVariables = value
	case "canAddVariables":
		s.CanAddVariables = value
	case "canDeleteVariables":
		s.CanDeleteVariables = value
	case "canRunCode":
		s.CanRunCode = value
	case "canStopCode":
		s.CanStopCode = value
	case "canChat":
		s.CanChat = value
	case "canDraw":
		s.CanDraw = value
	case "canUploadAssets":
		s.CanUploadAssets = value
	case "canEditCostumes":
		s.CanEditCostumes = value
	case "canEditSounds":
		s.CanEditSounds = value
	case "canRecordAudio":
		s.CanRecordAudio = value
	case "canUseCamera":
		s.CanUseCamera = value
	case "canShareProject":
		s.CanShareProject = value
	case "canManageUsers":
		s.CanManageUsers = value
	case "canChangePermissions":
		s.CanChangePermissions = value
	case "canKickUsers":
		s.CanKickUsers = value
	case "canLockWorkspace":
		s.CanLockWorkspace = value
	default:
		return s, false
	}
	return s, true
}

// EditPermissionFor returns the edit-permission key that gates lock
// acquisition and mutation for a given element kind (block, sprite,
// variable), and whether that kind is recognized.
func EditPermissionFor(elementType string) (key string, ok bool) {
	switch elementType {
	case "block", "":
		return "canEditBlocks", true
	case "sprite":
		return "canEditSprites", true
	case "variable":
		return "canEditVariables", true
	default:
		return "", false
	}
}

// AdminSet is the OWNER/ADMIN template: every permission granted.
func AdminSet() Set {
	return Set{
		CanView: true, CanEditBlocks: true, CanAddBlocks: true, CanDeleteBlocks: true,
		CanEditSprites: true, CanAddSprites: true, CanDeleteSprites: true,
		CanEditVariables: true, CanAddVariables: true, CanDeleteVariables: true,
		CanRunCode: true, CanStopCode: true, CanChat: true, CanDraw: true,
		CanUploadAssets: true, CanEditCostumes: true, CanEditSounds: true,
		CanRecordAudio: true, CanUseCamera: true, CanShareProject: true,
		CanManageUsers: true, CanChangePermissions: true, CanKickUsers: true,
		CanLockWorkspace: true,
	}
}

// TeacherSet is the TEACHER template: edit + manage, but never
// lock-workspace or share-project.
func TeacherSet() Set {
	s := AdminSet()
	s.CanShareProject = false
	s.CanLockWorkspace = false
	return s
}

// StudentSet is the STUDENT template: view and chat only.
func StudentSet() Set {
	return Set{CanView: true, CanChat: true}
}

// Preset names accepted by Preset (and so by Workspace.ApplyPreset).
const (
	PresetPresentation = "presentation"
	PresetWork         = "work"
	PresetTest         = "test"
	PresetRestricted   = "restricted"
)

// Preset resolves a preset mode to the permission set that replaces a
// workspace's global permissions. Every preset is a full replacement: keys
// it doesn't mention default to false, matching every other template.
func Preset(mode string) (Set, bool) {
	switch mode {
	case PresetPresentation:
		return Set{CanView: true}, true
	case PresetWork:
		return Set{
			CanView: true, CanEditBlocks: true, CanAddBlocks: true,
			CanEditSprites: true, CanRunCode: true, CanChat: true,
		}, true
	case PresetTest:
		return Set{CanView: true, CanRunCode: true}, true
	case PresetRestricted:
		return Set{CanView: true}, true
	default:
		return Set{}, false
	}
}

// ToMap renders a Set as the wire-format permissions object.
func (s Set) ToMap() map[string]bool {
	m := make(map[string]bool, 24)
	for _, key := range Keys {
		v, _ := s.Get(key)
		m[key] = v
	}
	return m
}

// Keys lists all 24 permission keys in their canonical order.
var Keys = []string{
	"canView", "canEditBlocks", "canAddBlocks", "canDeleteBlocks",
	"canEditSprites", "canAddSprites", "canDeleteSprites",
	"canEditVariables", "canAddVariables", "canDeleteVariables",
	"canRunCode", "canStopCode", "canChat", "canDraw", "canUploadAssets",
	"canEditCostumes", "canEditSounds", "canRecordAudio", "canUseCamera",
	"canShareProject", "canManageUsers", "canChangePermissions",
	"canKickUsers", "canLockWorkspace",
}
