package store

import "time"

type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

type Collaborator struct {
	UserID     string
	Username   string
	Permission string
	AddedAt    time.Time
}

type Document struct {
	ID             string
	Title          string
	Content        string
	OwnerID        string
	OwnerName      string
	IsPublic       bool
	Collaborators  []Collaborator
	LastModifiedBy string
	LastModifiedAt time.Time
	CreatedAt      time.Time
}

// Version is an immutable snapshot of a document. For a given document the
// version numbers form a contiguous sequence starting at 1; numbers are
// assigned by the store and never reassigned after a deletion.
type Version struct {
	ID            string
	DocumentID    string
	Version       int
	Title         string
	Content       string
	CreatedBy     string
	CreatedByName string
	CreatedAt     time.Time
	Changes       string
	IsAutoSave    bool
}
