package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/inkwell/internal/apperr"
	"github.com/starford/inkwell/internal/models"
	"github.com/starford/inkwell/internal/parser"
)

const noteColumns = `id, owner_id, title, content_hash, storage_key, size, tags,
	deleted_at, created_at, updated_at, accessed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanNote(s scanner) (*models.Note, error) {
	var (
		n         models.Note
		tagsJSON  string
		deletedAt sql.NullTime
	)
	if err := s.Scan(&n.ID, &n.OwnerID, &n.Title, &n.ContentHash, &n.StorageKey, &n.Size,
		&tagsJSON, &deletedAt, &n.CreatedAt, &n.UpdatedAt, &n.AccessedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil || n.Tags == nil {
		n.Tags = []string{}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		n.DeletedAt = &t
		n.Deleted = true
	}
	return &n, nil
}

func tagsJSON(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// InsertNote stores a new note row.
func (db *DB) InsertNote(ctx context.Context, n *models.Note) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO notes (id, owner_id, title, title_key, content_hash, storage_key, size, tags,
			created_at, updated_at, accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.OwnerID, n.Title, parser.FoldKey(n.Title), n.ContentHash, n.StorageKey, n.Size,
		tagsJSON(n.Tags), n.CreatedAt, n.UpdatedAt, n.AccessedAt)
	if err != nil {
		return fmt.Errorf("index: insert note: %w", err)
	}
	return nil
}

// UpdateNote overwrites the mutable columns of an existing row.
func (db *DB) UpdateNote(ctx context.Context, n *models.Note) error {
	res, err := db.conn.ExecContext(ctx, `
		UPDATE notes SET
			title        = ?,
			title_key    = ?,
			content_hash = ?,
			storage_key  = ?,
			size         = ?,
			tags         = ?,
			updated_at   = ?
		WHERE id = ? AND owner_id = ?
	`, n.Title, parser.FoldKey(n.Title), n.ContentHash, n.StorageKey, n.Size, tagsJSON(n.Tags),
		n.UpdatedAt, n.ID, n.OwnerID)
	if err != nil {
		return fmt.Errorf("index: update note: %w", err)
	}
	return expectOne(res, "note")
}

// GetNote returns a note owned by ownerID, including soft-deleted ones.
// A note owned by someone else is reported as not found.
func (db *DB) GetNote(ctx context.Context, ownerID, id string) (*models.Note, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = ? AND owner_id = ?`, id, ownerID)
	n, err := scanNote(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("note")
		}
		return nil, fmt.Errorf("index: get note: %w", err)
	}
	return n, nil
}

// TouchNote records a read.
func (db *DB) TouchNote(ctx context.Context, id string, at time.Time) error {
	if _, err := db.conn.ExecContext(ctx, `UPDATE notes SET accessed_at = ? WHERE id = ?`, at, id); err != nil {
		return fmt.Errorf("index: touch note: %w", err)
	}
	return nil
}

// ListNotes returns a page of the owner's notes, most recently updated first,
// and the total number of matches.
func (db *DB) ListNotes(ctx context.Context, ownerID string, opts ListOptions) ([]models.Note, int, error) {
	where := `owner_id = ?`
	args := []any{ownerID}
	if !opts.IncludeDeleted {
		where += ` AND deleted_at IS NULL`
	}
	if opts.Tag != "" {
		where += ` AND EXISTS (SELECT 1 FROM json_each(notes.tags) WHERE json_each.value = ?)`
		args = append(args, opts.Tag)
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM notes WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count notes: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE `+where+` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list notes: %w", err)
	}
	defer rows.Close()

	out := []models.Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("index: scan note: %w", err)
		}
		out = append(out, *n)
	}
	return out, total, rows.Err()
}

// SoftDelete marks a live note deleted.
func (db *DB) SoftDelete(ctx context.Context, ownerID, id string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE notes SET deleted_at = ?, updated_at = ? WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		at, at, id, ownerID)
	if err != nil {
		return fmt.Errorf("index: soft delete: %w", err)
	}
	return expectOne(res, "note")
}

// Restore clears the deleted mark of a soft-deleted note.
func (db *DB) Restore(ctx context.Context, ownerID, id string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE notes SET deleted_at = NULL, updated_at = ? WHERE id = ? AND owner_id = ? AND deleted_at IS NOT NULL`,
		at, id, ownerID)
	if err != nil {
		return fmt.Errorf("index: restore: %w", err)
	}
	return expectOne(res, "deleted note")
}

// DeleteNote removes a note row. Outgoing edges cascade; incoming edges lose
// their target.
func (db *DB) DeleteNote(ctx context.Context, ownerID, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("index: delete note: %w", err)
	}
	return expectOne(res, "note")
}

// DeletedBefore returns every soft-deleted note, across owners, deleted
// before cutoff.
func (db *DB) DeletedBefore(ctx context.Context, cutoff time.Time) ([]models.Note, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE deleted_at IS NOT NULL AND deleted_at < ? ORDER BY deleted_at`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("index: deleted before: %w", err)
	}
	defer rows.Close()

	var out []models.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("index: scan note: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// StorageKeys returns the storage key of every note row.
func (db *DB) StorageKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT storage_key FROM notes WHERE storage_key != ''`)
	if err != nil {
		return nil, fmt.Errorf("index: storage keys: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("index: rows affected: %w", err)
	}
	if n == 0 {
		return apperr.NotFound(what)
	}
	return nil
}
