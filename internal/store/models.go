package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	Handle       string
	Name         string
	Email        string
	PasswordHash string
	Disabled     bool
	Role         string
	Image        string
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

type Document struct {
	ID        string
	Handle    string
	Name      string
	Head      string
	AuthorID  string
	Published bool
	Collab    bool
	Private   bool
	BaseID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Eager-loaded relations, populated by GetDocument*
	Author    User
	Coauthors []Coauthor
	Revisions []RevisionMeta
}

// Coauthor links a registered user to a document. The join is keyed by
// user id; the email here is the user's current one, joined for responses.
type Coauthor struct {
	DocumentID string
	UserID     string
	Email      string
	Name       string
	Handle     string
	CreatedAt  time.Time
}

type Revision struct {
	ID         string
	DocumentID string
	AuthorID   string
	Data       json.RawMessage
	CreatedAt  time.Time
	// Joined for responses
	Author       User
	DocumentName string
}

// RevisionMeta is a revision without its content payload, used when listing
// a document's revisions.
type RevisionMeta struct {
	ID         string
	DocumentID string
	AuthorID   string
	AuthorName string
	CreatedAt  time.Time
}

// DocumentUsage reports per-document storage consumption for one user.
type DocumentUsage struct {
	DocumentID string
	Name       string
	Revisions  int
	Bytes      int64
}

type Page[T any] struct {
	Items      []T
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}
