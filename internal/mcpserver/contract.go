package mcpserver

// NoteFormatContract describes the note shape LLM consumers should follow
// when creating or updating notes.
const NoteFormatContract = `# Inkwell Note Format Contract

A note has three parts that are stored separately: a **title**, a list of
**tags**, and a Markdown **content** body.

## Rules

1. **Title is required** and is the note's identity for links. Titles are
   matched case-insensitively, so "Project X" and "project x" are the same
   link target. Keep titles unique per owner; when two notes share a title
   the oldest one wins.
2. **Links** use double brackets around another note's title:
   ` + "`" + `[[Project X]]` + "`" + `. Use ` + "`" + `[[Project X|the project]]` + "`" + ` for display text that
   differs from the target. A link to a title that does not exist yet is kept
   as a broken link and does not resolve later on its own; re-save the
   linking note after creating the target.
3. **Tags** are short, lowercase, kebab-case strings (e.g. ` + "`" + `meeting-notes` + "`" + `).
   Duplicates are dropped. Pass them in the ` + "`" + `tags` + "`" + ` argument, not in the body.
4. **Content** is UTF-8 Markdown, at most 10 MiB. Saving the same content
   again is free: unchanged bodies are never re-uploaded.
5. **Deletes are soft** unless ` + "`" + `permanent` + "`" + ` is set. A soft-deleted note can
   be restored; a permanently deleted one cannot.

## Example

Title: ` + "`" + `Weekly standup 2025-01-20` + "`" + `
Tags: ` + "`" + `["meeting-notes", "project-x"]` + "`" + `

` + "```" + `markdown
Attendees: Alice, Bob.

## Action items

- Alice to review the [[Design Doc]]
- Bob to update [[Project X Roadmap|the roadmap]]
` + "```" + `
`
