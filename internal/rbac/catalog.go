package rbac

import "strings"

// Action is a verb that can be granted.
type Action string

// Actions understood by the engine.
const (
	ActionView              Action = "view"
	ActionEdit              Action = "edit"
	ActionDelete            Action = "delete"
	ActionManagePermissions Action = "manage_permissions"
)

// ObjectType is a kind of asset or resource a permission applies to.
type ObjectType string

// Object types understood by the engine.
const (
	ObjectCompany              ObjectType = "company"
	ObjectLocation             ObjectType = "location"
	ObjectRoom                 ObjectType = "room"
	ObjectPerson               ObjectType = "person"
	ObjectDevice               ObjectType = "device"
	ObjectIO                   ObjectType = "io"
	ObjectIPAddress            ObjectType = "ip_address"
	ObjectNetwork              ObjectType = "network"
	ObjectSoftware             ObjectType = "software"
	ObjectSaaSService          ObjectType = "saas_service"
	ObjectInstalledApplication ObjectType = "installed_application"
	ObjectSoftwareLicense      ObjectType = "software_license"
	ObjectDocument             ObjectType = "document"
	ObjectExternalDocument     ObjectType = "external_document"
	ObjectContract             ObjectType = "contract"
	ObjectGroup                ObjectType = "group"
)

var actions = []Action{ActionView, ActionEdit, ActionDelete, ActionManagePermissions}

var objectTypes = []ObjectType{
	ObjectCompany,
	ObjectLocation,
	ObjectRoom,
	ObjectPerson,
	ObjectDevice,
	ObjectIO,
	ObjectIPAddress,
	ObjectNetwork,
	ObjectSoftware,
	ObjectSaaSService,
	ObjectInstalledApplication,
	ObjectSoftwareLicense,
	ObjectDocument,
	ObjectExternalDocument,
	ObjectContract,
	ObjectGroup,
}

// Actions returns every known action.
func Actions() []Action {
	return append([]Action(nil), actions...)
}

// ObjectTypes returns every known object type.
func ObjectTypes() []ObjectType {
	return append([]ObjectType(nil), objectTypes...)
}

// Valid reports whether a is part of the catalog.
func (a Action) Valid() bool {
	for _, known := range actions {
		if a == known {
			return true
		}
	}
	return false
}

// Valid reports whether t is part of the catalog.
func (t ObjectType) Valid() bool {
	for _, known := range objectTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseAction normalises and validates a raw action.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !a.Valid() {
		return "", ErrInvalidAction
	}
	return a, nil
}

// ParseObjectType normalises and validates a raw object type.
func ParseObjectType(raw string) (ObjectType, error) {
	t := ObjectType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", ErrInvalidObjectType
	}
	return t, nil
}

// PermissionName renders the canonical catalog name, e.g. "device.edit".
func PermissionName(action Action, objectType ObjectType) string {
	return string(objectType) + "." + string(action)
}

// CatalogEntry is one (action, object type) pair of the static catalog.
type CatalogEntry struct {
	Name       string
	Action     Action
	ObjectType ObjectType
}

// Catalog enumerates the full permission catalog.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(actions)*len(objectTypes))
	for _, t := range objectTypes {
		for _, a := range actions {
			out = append(out, CatalogEntry{Name: PermissionName(a, t), Action: a, ObjectType: t})
		}
	}
	return out
}
