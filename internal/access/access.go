// Package access holds the document capability policy.
package access

import "matheditor/api/internal/store"

type DocumentRole string

const (
	RoleAuthor   DocumentRole = "author"
	RoleCoauthor DocumentRole = "coauthor"
	RoleNone     DocumentRole = "none"
)

// RoleFor resolves a user's relationship to a document.
func RoleFor(doc store.Document, userID string) DocumentRole {
	if userID == "" {
		return RoleNone
	}
	if doc.AuthorID == userID {
		return RoleAuthor
	}
	for _, coauthor := range doc.Coauthors {
		if coauthor.UserID == userID {
			return RoleCoauthor
		}
	}
	return RoleNone
}

// CanEdit reports whether the user may change document fields and append or
// delete revisions.
func CanEdit(doc store.Document, userID string) bool {
	role := RoleFor(doc, userID)
	return role == RoleAuthor || role == RoleCoauthor
}

// CanManage reports whether the user may delete the document, toggle
// published, or manage coauthors. Author only.
func CanManage(doc store.Document, userID string) bool {
	return RoleFor(doc, userID) == RoleAuthor
}

// CanView reports whether the user may read the document. Private documents
// are restricted to the author, coauthors, and site admins.
func CanView(doc store.Document, userID, siteRole string) bool {
	if !doc.Private {
		return true
	}
	if IsAdmin(siteRole) {
		return true
	}
	return RoleFor(doc, userID) != RoleNone
}

// IsAdmin reports whether a site role grants administration.
func IsAdmin(role string) bool {
	return role == "admin" || role == "owner"
}
