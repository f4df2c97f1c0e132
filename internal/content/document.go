// Package content stores chapter content as raw text plus a structured JSON
// document in object storage, one immutable object pair per version.
package content

import (
	"strings"
	"time"
)

// Block is one structural unit of a chapter: a heading, paragraph, or quote.
type Block struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Level int    `json:"level,omitempty"`
	Text  string `json:"text"`
}

const (
	BlockHeading   = "heading"
	BlockParagraph = "paragraph"
	BlockQuote     = "quote"
)

// MediaRef is the derived copy of a media_items row carried inside the
// document. The database rows stay authoritative; Reconcile keeps these in
// step.
type MediaRef struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ObjectKey string `json:"objectKey"`
	Caption   string `json:"caption,omitempty"`
	Position  int    `json:"position"`
}

// Document is the structured representation of one chapter version in one
// language.
type Document struct {
	ChapterID string     `json:"chapterId"`
	Language  string     `json:"language"`
	Version   int        `json:"version"`
	Title     string     `json:"title"`
	Blocks    []Block    `json:"blocks"`
	Media     []MediaRef `json:"media,omitempty"`
	UpdatedBy string     `json:"updatedBy,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RenderRaw produces the plain-text rendering of the document. raw.txt is
// always exactly this rendering of content.json, so diffs and word counts
// computed from either agree.
func (d Document) RenderRaw() string {
	var out strings.Builder
	for _, block := range d.Blocks {
		text := strings.TrimRight(block.Text, "\n")
		if text == "" {
			continue
		}
		out.WriteString(text)
		out.WriteString("\n\n")
	}
	return out.String()
}

// WordCount counts words in the rendered text.
func (d Document) WordCount() int {
	return len(strings.Fields(d.RenderRaw()))
}
