package index

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/inkwell/internal/models"
)

// ResolveTitles maps case-folded title keys to note ids among the owner's
// live notes. When several notes share a title the earliest created wins.
// Keys without a match are absent from the result.
func (db *DB) ResolveTitles(ctx context.Context, ownerID string, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, 0, len(keys)+1)
	args = append(args, ownerID)
	for _, k := range keys {
		args = append(args, k)
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT title_key, id FROM notes
		WHERE owner_id = ? AND deleted_at IS NULL AND title_key IN (`+placeholders+`)
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("index: resolve titles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, id string
		if err := rows.Scan(&key, &id); err != nil {
			return nil, err
		}
		if _, ok := out[key]; !ok {
			out[key] = id
		}
	}
	return out, rows.Err()
}

// ReplaceLinks atomically swaps the outgoing edges of sourceID for edges.
func (db *DB) ReplaceLinks(ctx context.Context, sourceID string, edges []EdgeRow) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("index: clear links: %w", err)
	}
	if len(edges) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO links (source_id, target_id, link_text, link_key, broken)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range edges {
			var target any
			if e.TargetID != "" {
				target = e.TargetID
			}
			if _, err := stmt.ExecContext(ctx, sourceID, target, e.Text, e.Key, e.TargetID == ""); err != nil {
				return fmt.Errorf("index: insert link: %w", err)
			}
		}
	}
	return tx.Commit()
}

// Links returns the outgoing edges of sourceID in insertion order. An edge
// whose target has been permanently deleted is reported as broken.
func (db *DB) Links(ctx context.Context, sourceID string) ([]models.LinkEdge, error) {
	return db.queryEdges(ctx, `
		SELECT source_id, target_id, link_text, broken FROM links
		WHERE source_id = ? ORDER BY id`, sourceID)
}

// Backlinks returns the edges pointing at targetID from live notes.
func (db *DB) Backlinks(ctx context.Context, targetID string) ([]models.LinkEdge, error) {
	return db.queryEdges(ctx, `
		SELECT l.source_id, l.target_id, l.link_text, l.broken FROM links l
		JOIN notes n ON n.id = l.source_id
		WHERE l.target_id = ? AND n.deleted_at IS NULL
		ORDER BY l.id`, targetID)
}

func (db *DB) queryEdges(ctx context.Context, query string, args ...any) ([]models.LinkEdge, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query links: %w", err)
	}
	defer rows.Close()

	out := []models.LinkEdge{}
	for rows.Next() {
		var (
			e      models.LinkEdge
			target sql.NullString
		)
		if err := rows.Scan(&e.SourceID, &target, &e.LinkText, &e.Broken); err != nil {
			return nil, fmt.Errorf("index: scan link: %w", err)
		}
		e.TargetID = target.String
		if !target.Valid {
			e.Broken = true
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Graph returns the owner's live notes and the resolved edges between them.
func (db *DB) Graph(ctx context.Context, ownerID string) ([]models.GraphNode, []models.GraphLink, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, title FROM notes WHERE owner_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("index: graph nodes: %w", err)
	}
	nodes := []models.GraphNode{}
	for rows.Next() {
		var n models.GraphNode
		if err := rows.Scan(&n.ID, &n.Title); err != nil {
			rows.Close()
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = db.conn.QueryContext(ctx, `
		SELECT l.source_id, l.target_id FROM links l
		JOIN notes s ON s.id = l.source_id
		JOIN notes t ON t.id = l.target_id
		WHERE s.owner_id = ? AND s.deleted_at IS NULL AND t.deleted_at IS NULL
		ORDER BY l.id`, ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("index: graph links: %w", err)
	}
	defer rows.Close()
	links := []models.GraphLink{}
	for rows.Next() {
		var l models.GraphLink
		if err := rows.Scan(&l.Source, &l.Target); err != nil {
			return nil, nil, err
		}
		links = append(links, l)
	}
	return nodes, links, rows.Err()
}
