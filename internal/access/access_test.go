package access

import (
	"testing"

	"matheditor/api/internal/store"
)

func sampleDocument() store.Document {
	return store.Document{
		ID:       "doc-1",
		AuthorID: "user-author",
		Coauthors: []store.Coauthor{
			{DocumentID: "doc-1", UserID: "user-coauthor", Email: "co@example.com"},
		},
	}
}

func TestRoleFor(t *testing.T) {
	doc := sampleDocument()

	tests := []struct {
		name   string
		userID string
		want   DocumentRole
	}{
		{"author", "user-author", RoleAuthor},
		{"coauthor", "user-coauthor", RoleCoauthor},
		{"stranger", "user-other", RoleNone},
		{"anonymous", "", RoleNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RoleFor(doc, tt.userID); got != tt.want {
				t.Errorf("RoleFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanEdit(t *testing.T) {
	doc := sampleDocument()

	if !CanEdit(doc, "user-author") {
		t.Error("author should be able to edit")
	}
	if !CanEdit(doc, "user-coauthor") {
		t.Error("coauthor should be able to edit")
	}
	if CanEdit(doc, "user-other") {
		t.Error("stranger should not be able to edit")
	}
}

func TestCanManage(t *testing.T) {
	doc := sampleDocument()

	if !CanManage(doc, "user-author") {
		t.Error("author should be able to manage")
	}
	if CanManage(doc, "user-coauthor") {
		t.Error("coauthor should not be able to manage")
	}
}

func TestCanView(t *testing.T) {
	doc := sampleDocument()

	if !CanView(doc, "", "") {
		t.Error("public document should be viewable by anyone")
	}

	doc.Private = true
	if CanView(doc, "user-other", "user") {
		t.Error("private document should not be viewable by strangers")
	}
	if !CanView(doc, "user-coauthor", "user") {
		t.Error("private document should be viewable by coauthors")
	}
	if !CanView(doc, "user-other", "admin") {
		t.Error("private document should be viewable by admins")
	}
}

func TestIsAdmin(t *testing.T) {
	if !IsAdmin("admin") || !IsAdmin("owner") {
		t.Error("admin and owner are site administrators")
	}
	if IsAdmin("user") || IsAdmin("") {
		t.Error("plain users are not administrators")
	}
}
