// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Inkwell note tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/inkwell/internal/index"
	"github.com/starford/inkwell/internal/models"
)

const contractURI = "inkwell://note-format"

// NoteService is the persistence surface the tools call.
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
}

// Server wraps the MCP server with Inkwell tools. Every tool acts for one
// owner.
type Server struct {
	mcp     *server.MCPServer
	svc     NoteService
	ownerID string
}

// New creates a new MCP server with all Inkwell tools registered.
func New(svc NoteService, ownerID string) *Server {
	s := &Server{svc: svc, ownerID: ownerID}

	s.mcp = server.NewMCPServer(
		"Inkwell",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List notes, most recently updated first. Content is omitted."),
		mcp.WithString("tag", mcp.Description("Only notes carrying this tag")),
		mcp.WithNumber("limit", mcp.Description("Page size (0 for all)")),
		mcp.WithNumber("offset", mcp.Description("Page offset")),
		mcp.WithBoolean("include_deleted", mcp.Description("Include soft-deleted notes")),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read a note, including its Markdown content."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a note. Read the format contract first via "+
			"get_note_contract or the "+contractURI+" resource."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Note title; other notes link to it as [[title]]")),
		mcp.WithString("content", mcp.Description("Markdown body")),
		mcp.WithArray("tags", mcp.Description("Tags"), mcp.WithStringItems()),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("update_note",
		mcp.WithDescription("Update a note. Only the arguments given are changed."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("content", mcp.Description("New Markdown body")),
		mcp.WithArray("tags", mcp.Description("New tag list"), mcp.WithStringItems()),
	), s.updateNote)

	s.mcp.AddTool(mcp.NewTool("delete_note",
		mcp.WithDescription("Delete a note. Soft by default; restorable with restore_note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
		mcp.WithBoolean("permanent", mcp.Description("Remove the note and its content for good")),
	), s.deleteNote)

	s.mcp.AddTool(mcp.NewTool("restore_note",
		mcp.WithDescription("Restore a soft-deleted note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.restoreNote)

	s.mcp.AddTool(mcp.NewTool("get_links",
		mcp.WithDescription("Outgoing [[links]] of a note, including broken ones."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.getLinks)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all notes that link to the specified note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("get_graph",
		mcp.WithDescription("The resolved link graph of all live notes."),
	), s.getGraph)

	s.mcp.AddTool(mcp.NewTool("get_note_contract",
		mcp.WithDescription("Returns the Inkwell note format contract. "+
			"Call this before creating or updating notes."),
	), s.getNoteContract)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Note Format Contract",
			mcp.WithResourceDescription("How notes, titles, links and tags fit together."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := index.ListOptions{
		Tag:            req.GetString("tag", ""),
		Limit:          req.GetInt("limit", 0),
		Offset:         req.GetInt("offset", 0),
		IncludeDeleted: req.GetBool("include_deleted", false),
	}
	notes, total, err := s.svc.List(ctx, s.ownerID, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"notes": notes, "total": total})
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.Get(ctx, s.ownerID, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read %s: %v", id, err)), nil
	}
	return jsonResult(n)
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	in := models.NoteInput{
		Title:   title,
		Content: req.GetString("content", ""),
		Tags:    req.GetStringSlice("tags", nil),
	}
	n, err := s.svc.Create(ctx, s.ownerID, in)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n)
}

func (s *Server) updateNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	args := req.GetArguments()
	var patch models.NotePatch
	if _, ok := args["title"]; ok {
		v := req.GetString("title", "")
		patch.Title = &v
	}
	if _, ok := args["content"]; ok {
		v := req.GetString("content", "")
		patch.Content = &v
	}
	if _, ok := args["tags"]; ok {
		v := req.GetStringSlice("tags", []string{})
		patch.Tags = &v
	}
	n, err := s.svc.Update(ctx, s.ownerID, id, patch)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n)
}

func (s *Server) deleteNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.GetBool("permanent", false) {
		if err := s.svc.PermanentlyDelete(ctx, s.ownerID, id); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("permanently deleted: " + id), nil
	}
	if err := s.svc.Delete(ctx, s.ownerID, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("deleted: " + id), nil
}

func (s *Server) restoreNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	n, err := s.svc.Restore(ctx, s.ownerID, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(n)
}

func (s *Server) getLinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	edges, err := s.svc.Links(ctx, s.ownerID, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(edges)
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	edges, err := s.svc.Backlinks(ctx, s.ownerID, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(edges) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	return jsonResult(edges)
}

func (s *Server) getGraph(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodes, links, err := s.svc.Graph(ctx, s.ownerID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"nodes": nodes, "links": links})
}

func (s *Server) getNoteContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(NoteFormatContract), nil
}

func (s *Server) readNoteFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     NoteFormatContract,
		},
	}, nil
}
