// Package models defines the domain types for Inkwell.
package models

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Payload limits.
const (
	MaxTitleLength  = 512
	MaxContentBytes = 10 << 20
	MaxTags         = 64
)

// Note is a titled markdown document owned by exactly one user.
// StorageKey and ContentHash always describe the last committed content.
type Note struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Content     string     `json:"content,omitempty"`
	Tags        []string   `json:"tags"`
	ContentHash string     `json:"content_hash"`
	StorageKey  string     `json:"storage_key"`
	Size        int64      `json:"size"`
	Deleted     bool       `json:"deleted"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	AccessedAt  time.Time  `json:"accessed_at"`
}

// NoteInput is the payload of a create.
type NoteInput struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

// Validate checks a create payload. Title is expected to be trimmed.
func (in *NoteInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.Title, validation.Required, validation.RuneLength(1, MaxTitleLength)),
		validation.Field(&in.Content, validation.Length(0, MaxContentBytes)),
		validation.Field(&in.Tags, validation.Length(0, MaxTags)),
	)
}

// NotePatch is a partial update; nil fields are left untouched.
type NotePatch struct {
	Title   *string   `json:"title,omitempty"`
	Content *string   `json:"content,omitempty"`
	Tags    *[]string `json:"tags,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p NotePatch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.Tags == nil
}

// Validate checks the fields a patch sets. A title, when present, must not
// be empty.
func (p *NotePatch) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Title, validation.NilOrNotEmpty, validation.RuneLength(1, MaxTitleLength)),
		validation.Field(&p.Content, validation.Length(0, MaxContentBytes)),
		validation.Field(&p.Tags, validation.Length(0, MaxTags)),
	)
}

// LinkEdge is a directed reference from one note's body to another note's
// title. TargetID is empty when the reference could not be resolved.
type LinkEdge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id,omitempty"`
	LinkText string `json:"link_text"`
	Broken   bool   `json:"broken"`
}

// GraphNode is a note in the link graph.
type GraphNode struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// GraphLink is a resolved edge in the link graph.
type GraphLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// NormalizeTags trims tags, drops empties and removes duplicates while
// keeping first-seen order. It never returns nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

