// Package linkgraph keeps a note's outgoing [[Title]] edges in step with its
// content.
package linkgraph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/inkwell/internal/index"
	"github.com/starford/inkwell/internal/parser"
)

// EdgeStore is the subset of the metadata index the maintainer writes to.
type EdgeStore interface {
	ResolveTitles(ctx context.Context, ownerID string, keys []string) (map[string]string, error)
	ReplaceLinks(ctx context.Context, sourceID string, edges []index.EdgeRow) error
}

// Result summarises one recompute.
type Result struct {
	Resolved int
	Broken   int
}

// Maintainer recomputes edge sets.
type Maintainer struct {
	store  EdgeStore
	logger *slog.Logger
}

func New(store EdgeStore, logger *slog.Logger) *Maintainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{store: store, logger: logger}
}

// Recompute replaces every outgoing edge of noteID with one edge per unique
// reference in content. References resolve against the owner's live notes
// by case-insensitive title; unresolved ones are stored as broken.
func (m *Maintainer) Recompute(ctx context.Context, ownerID, noteID, content string) (Result, error) {
	refs := parser.ExtractReferences(content)

	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.Key
	}
	resolved, err := m.store.ResolveTitles(ctx, ownerID, keys)
	if err != nil {
		return Result{}, fmt.Errorf("linkgraph: resolve: %w", err)
	}

	var res Result
	edges := make([]index.EdgeRow, 0, len(refs))
	for _, r := range refs {
		target := resolved[r.Key]
		if target == "" {
			res.Broken++
		} else {
			res.Resolved++
		}
		edges = append(edges, index.EdgeRow{TargetID: target, Text: r.Text, Key: r.Key})
	}

	if err := m.store.ReplaceLinks(ctx, noteID, edges); err != nil {
		return Result{}, fmt.Errorf("linkgraph: replace: %w", err)
	}
	return res, nil
}

// RecomputeQuietly runs Recompute and logs failure at warn level instead of
// returning it. A link graph failure must never fail the save that
// triggered it.
func (m *Maintainer) RecomputeQuietly(ctx context.Context, ownerID, noteID, content string) {
	res, err := m.Recompute(ctx, ownerID, noteID, content)
	if err != nil {
		m.logger.Warn("linkgraph: recompute failed",
			slog.String("note", noteID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("linkgraph: recomputed",
		slog.String("note", noteID),
		slog.Int("resolved", res.Resolved),
		slog.Int("broken", res.Broken),
	)
}
