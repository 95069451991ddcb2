package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/starford/inkwell/internal/apperr"
	"github.com/starford/inkwell/internal/index"
	"github.com/starford/inkwell/internal/models"
)

// emergencyTimeout bounds an emergency save once it is detached from the
// client connection.
const emergencyTimeout = 30 * time.Second

// Handler holds API route handlers.
type Handler struct {
	svc    NoteService
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(svc NoteService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

func noteID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// ListNotes handles GET /api/notes.
//
//	@Summary	List notes with optional pagination and tag filter
//	@Param		limit	query	int		false	"Page size"
//	@Param		offset	query	int		false	"Page offset"
//	@Param		tag		query	string	false	"Filter by tag"
//	@Param		deleted	query	bool	false	"Include soft-deleted notes"
//	@Router		/notes [get]
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := index.ListOptions{Tag: q.Get("tag")}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, apperr.Validation("limit must be a non-negative integer"))
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, apperr.Validation("offset must be a non-negative integer"))
		return
	}
	if d := q.Get("deleted"); d != "" {
		if opts.IncludeDeleted, err = strconv.ParseBool(d); err != nil {
			writeError(w, r, apperr.Validation("deleted must be a boolean"))
			return
		}
	}

	notes, total, err := h.svc.List(r.Context(), ownerFrom(r.Context()), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: notes, Total: total})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid integer " + s)
	}
	return n, nil
}

// CreateNote handles POST /api/notes.
//
//	@Summary	Create a new note
//	@Success	201	{object}	models.Note
//	@Failure	400	{object}	errResponse
//	@Router		/notes [post]
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var in models.NoteInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.svc.Create(r.Context(), ownerFrom(r.Context()), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Get(r.Context(), ownerFrom(r.Context()), noteID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// UpdateNote handles PUT /api/notes/{id}. Absent fields are left untouched.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var patch models.NotePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.svc.Update(r.Context(), ownerFrom(r.Context()), noteID(r), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DeleteNote handles DELETE /api/notes/{id} (soft delete).
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), ownerFrom(r.Context()), noteID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PermanentlyDeleteNote handles DELETE /api/notes/{id}/permanent.
func (h *Handler) PermanentlyDeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.PermanentlyDelete(r.Context(), ownerFrom(r.Context()), noteID(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreNote handles POST /api/notes/{id}/restore.
func (h *Handler) RestoreNote(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Restore(r.Context(), ownerFrom(r.Context()), noteID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Links handles GET /api/notes/{id}/links.
func (h *Handler) Links(w http.ResponseWriter, r *http.Request) {
	edges, err := h.svc.Links(r.Context(), ownerFrom(r.Context()), noteID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{Links: edges})
}

// Backlinks handles GET /api/notes/{id}/backlinks.
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	edges, err := h.svc.Backlinks(r.Context(), ownerFrom(r.Context()), noteID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LinksResponse{Links: edges})
}

// Graph handles GET /api/graph.
func (h *Handler) Graph(w http.ResponseWriter, r *http.Request) {
	nodes, links, err := h.svc.Graph(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, GraphResponse{Nodes: nodes, Links: links})
}

// Sync handles POST /api/sync, the autosave boundary.
//
//	@Summary	Create or update a note from an editing session
//	@Success	200	{object}	models.SyncResult
//	@Failure	409	{object}	errResponse	"a save for this note is already running"
//	@Router		/sync [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	req, err := h.syncRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.svc.Sync(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EmergencySave handles POST /api/emergency-save. The save runs on a
// context detached from the request, so a client that goes away while
// unloading does not abort it.
func (h *Handler) EmergencySave(w http.ResponseWriter, r *http.Request) {
	req, err := h.syncRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), emergencyTimeout)
	defer cancel()

	res, err := h.svc.Sync(ctx, req)
	if err != nil {
		h.logger.Error("api: emergency save failed",
			slog.String("session", req.SessionID),
			slog.String("owner", req.OwnerID),
			slog.String("error", err.Error()),
		)
		writeError(w, r, err)
		return
	}
	h.logger.Info("api: emergency save", slog.String("session", req.SessionID), slog.String("note", res.NoteID))
	writeJSON(w, http.StatusAccepted, res)
}

// syncRequest decodes a sync payload. The owner header, when sent, must
// agree with the body.
func (h *Handler) syncRequest(w http.ResponseWriter, r *http.Request) (models.SyncRequest, error) {
	var req models.SyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return req, err
	}
	if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
		switch req.OwnerID {
		case "":
			req.OwnerID = owner
		case owner:
		default:
			return req, apperr.Validation("ownerId does not match " + OwnerHeader)
		}
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	return req, nil
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Ready handles GET /health/ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		h.logger.Warn("api: not ready", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}
