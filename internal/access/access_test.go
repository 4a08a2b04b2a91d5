package access

import (
	"testing"

	"codraft/api/internal/store"
)

func TestEvaluate(t *testing.T) {
	doc := store.Document{
		ID:      "doc-1",
		OwnerID: "owner-1",
		Collaborators: []store.Collaborator{
			{UserID: "reader-1", Permission: PermissionRead},
			{UserID: "writer-1", Permission: PermissionWrite},
			{UserID: "admin-1", Permission: PermissionAdmin},
		},
	}

	cases := []struct {
		name   string
		userID string
		public bool
		want   Tier
	}{
		{name: "owner", userID: "owner-1", want: TierAdmin},
		{name: "admin collaborator", userID: "admin-1", want: TierAdmin},
		{name: "write collaborator", userID: "writer-1", want: TierWrite},
		{name: "read collaborator", userID: "reader-1", want: TierRead},
		{name: "stranger private", userID: "stranger-1", want: TierNone},
		{name: "stranger public", userID: "stranger-1", public: true, want: TierRead},
		{name: "empty user id", userID: "", want: TierNone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc.IsPublic = tc.public
			if got := Evaluate(doc, tc.userID); got != tc.want {
				t.Fatalf("Evaluate(%q) = %v, want %v", tc.userID, got, tc.want)
			}
		})
	}
}

func TestPublicDocumentDoesNotUpgradeCollaboratorTier(t *testing.T) {
	doc := store.Document{
		ID:       "doc-1",
		OwnerID:  "owner-1",
		IsPublic: true,
		Collaborators: []store.Collaborator{
			{UserID: "reader-1", Permission: PermissionRead},
		},
	}
	if got := Evaluate(doc, "reader-1"); got != TierRead {
		t.Fatalf("Evaluate() = %v, want %v", got, TierRead)
	}
	if Evaluate(doc, "reader-1").AtLeast(TierWrite) {
		t.Fatal("read collaborator must not reach write tier on a public document")
	}
}

func TestDeleteGuards(t *testing.T) {
	doc := store.Document{
		ID:      "doc-1",
		OwnerID: "owner-1",
		Collaborators: []store.Collaborator{
			{UserID: "admin-1", Permission: PermissionAdmin},
			{UserID: "writer-1", Permission: PermissionWrite},
		},
	}
	if !CanDeleteDocument(doc, "owner-1") {
		t.Fatal("owner must be able to delete the document")
	}
	if CanDeleteDocument(doc, "admin-1") {
		t.Fatal("admin collaborator must not delete the document")
	}
	if !CanDeleteVersion(doc, "admin-1") {
		t.Fatal("admin collaborator must be able to delete a version")
	}
	if !CanDeleteVersion(doc, "owner-1") {
		t.Fatal("owner must be able to delete a version")
	}
	if CanDeleteVersion(doc, "writer-1") {
		t.Fatal("write collaborator must not delete a version")
	}
}

func TestValidPermission(t *testing.T) {
	for _, permission := range []string{PermissionRead, PermissionWrite, PermissionAdmin} {
		if !ValidPermission(permission) {
			t.Fatalf("ValidPermission(%q) = false, want true", permission)
		}
	}
	if ValidPermission("owner") {
		t.Fatal(`ValidPermission("owner") = true, want false`)
	}
}
