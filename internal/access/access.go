// Package access evaluates permission tiers for a principal against a
// document snapshot. Both the HTTP surface and the live-connection surface
// go through this package; neither carries its own copy of the rules.
package access

import "codraft/api/internal/store"

type Tier int

const (
	TierNone Tier = iota
	TierRead
	TierWrite
	TierAdmin
)

const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionAdmin = "admin"
)

func (t Tier) String() string {
	switch t {
	case TierRead:
		return "read"
	case TierWrite:
		return "write"
	case TierAdmin:
		return "admin"
	default:
		return "none"
	}
}

func (t Tier) AtLeast(min Tier) bool {
	return t >= min
}

// Evaluate returns the tier the user holds on the document. The owner holds
// the top tier; a collaborator holds the tier of its permission entry; a
// public document grants read to everyone else.
func Evaluate(doc store.Document, userID string) Tier {
	if userID != "" && doc.OwnerID == userID {
		return TierAdmin
	}
	for _, collab := range doc.Collaborators {
		if collab.UserID != userID {
			continue
		}
		switch collab.Permission {
		case PermissionAdmin:
			return TierAdmin
		case PermissionWrite:
			return TierWrite
		case PermissionRead:
			return TierRead
		default:
			return TierNone
		}
	}
	if doc.IsPublic {
		return TierRead
	}
	return TierNone
}

// CanDeleteDocument is owner-only; admin collaborators may not delete the
// document itself.
func CanDeleteDocument(doc store.Document, userID string) bool {
	return userID != "" && doc.OwnerID == userID
}

// CanDeleteVersion accepts the owner or an admin collaborator.
func CanDeleteVersion(doc store.Document, userID string) bool {
	return Evaluate(doc, userID).AtLeast(TierAdmin)
}

func ValidPermission(permission string) bool {
	switch permission {
	case PermissionRead, PermissionWrite, PermissionAdmin:
		return true
	default:
		return false
	}
}
