package api

import (
	"context"

	"github.com/starford/inkwell/internal/index"
	"github.com/starford/inkwell/internal/models"
)

// NoteService is the persistence surface the handlers call.
type NoteService interface {
	Create(ctx context.Context, ownerID string, in models.NoteInput) (*models.Note, error)
	Get(ctx context.Context, ownerID, noteID string) (*models.Note, error)
	Update(ctx context.Context, ownerID, noteID string, patch models.NotePatch) (*models.Note, error)
	Delete(ctx context.Context, ownerID, noteID string) error
	Restore(ctx context.Context, ownerID, noteID string) (*models.Note, error)
	PermanentlyDelete(ctx context.Context, ownerID, noteID string) error
	List(ctx context.Context, ownerID string, opts index.ListOptions) ([]models.Note, int, error)
	Links(ctx context.Context, ownerID, noteID string) ([]models.LinkEdge, error)
	Backlinks(ctx context.Context, ownerID, noteID string) ([]models.LinkEdge, error)
	Graph(ctx context.Context, ownerID string) ([]models.GraphNode, []models.GraphLink, error)
	Sync(ctx context.Context, req models.SyncRequest) (models.SyncResult, error)
	Ready(ctx context.Context) error
}

// NoteListResponse wraps paginated note listings.
type NoteListResponse struct {
	Notes []models.Note `json:"notes"`
	Total int           `json:"total"`
}

// LinksResponse wraps the edges of one note.
type LinksResponse struct {
	Links []models.LinkEdge `json:"links"`
}

// GraphResponse wraps the owner's link graph.
type GraphResponse struct {
	Nodes []models.GraphNode `json:"nodes"`
	Links []models.GraphLink `json:"links"`
}

type statusResponse struct {
	Status string `json:"status"`
}
