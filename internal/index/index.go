package index

import (
	"context"
	"time"

	"github.com/starford/inkwell/internal/models"
)

// NoteIndex defines the metadata operations used by the persistence core.
// Consumers should depend on this interface rather than the concrete *DB type
// so tests can inject failures.
type NoteIndex interface {
	InsertNote(ctx context.Context, n *models.Note) error
	UpdateNote(ctx context.Context, n *models.Note) error
	GetNote(ctx context.Context, ownerID, id string) (*models.Note, error)
	TouchNote(ctx context.Context, id string, at time.Time) error
	ListNotes(ctx context.Context, ownerID string, opts ListOptions) ([]models.Note, int, error)
	SoftDelete(ctx context.Context, ownerID, id string, at time.Time) error
	Restore(ctx context.Context, ownerID, id string, at time.Time) error
	DeleteNote(ctx context.Context, ownerID, id string) error
	DeletedBefore(ctx context.Context, cutoff time.Time) ([]models.Note, error)
	StorageKeys(ctx context.Context) (map[string]struct{}, error)

	ResolveTitles(ctx context.Context, ownerID string, keys []string) (map[string]string, error)
	ReplaceLinks(ctx context.Context, sourceID string, edges []EdgeRow) error
	Links(ctx context.Context, sourceID string) ([]models.LinkEdge, error)
	Backlinks(ctx context.Context, targetID string) ([]models.LinkEdge, error)
	Graph(ctx context.Context, ownerID string) ([]models.GraphNode, []models.GraphLink, error)

	Ping(ctx context.Context) error
	Close() error
}

// Verify *DB satisfies NoteIndex at compile time.
var _ NoteIndex = (*DB)(nil)

// ListOptions filters and pages ListNotes.
type ListOptions struct {
	Limit          int
	Offset         int
	Tag            string
	IncludeDeleted bool
}

// EdgeRow is one outgoing reference to store. TargetID is empty for a
// broken reference.
type EdgeRow struct {
	TargetID string
	Text     string
	Key      string
}
