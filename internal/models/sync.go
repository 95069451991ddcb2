package models

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SyncRequest is the payload of the sync and emergency-save boundaries.
// NoteID is empty until the session's first successful create.
type SyncRequest struct {
	SessionID string    `json:"sessionId"`
	NoteID    string    `json:"noteId,omitempty"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields every sync needs.
func (r *SyncRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.OwnerID, validation.Required),
		validation.Field(&r.Title, validation.Required, validation.RuneLength(1, MaxTitleLength)),
		validation.Field(&r.Content, validation.Length(0, MaxContentBytes)),
		validation.Field(&r.Tags, validation.Length(0, MaxTags)),
	)
}

// Patch converts the request into a full-state patch.
func (r *SyncRequest) Patch() NotePatch {
	title, content, tags := r.Title, r.Content, r.Tags
	return NotePatch{Title: &title, Content: &content, Tags: &tags}
}

// SyncResult acknowledges a sync.
type SyncResult struct {
	NoteID   string    `json:"noteId"`
	SyncedAt time.Time `json:"syncedAt"`
}
