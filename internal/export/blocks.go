package export

import (
	"fmt"
	"html"
	"strings"

	"folio/api/internal/content"
)

// BlocksToHTML converts a chapter document's blocks to HTML.
func BlocksToHTML(doc content.Document) string {
	var out strings.Builder
	for _, block := range doc.Blocks {
		text := html.EscapeString(block.Text)
		if strings.TrimSpace(text) == "" {
			continue
		}
		switch block.Type {
		case content.BlockHeading:
			level := block.Level
			if level < 1 || level > 6 {
				level = 2
			}
			fmt.Fprintf(&out, "<h%d>%s</h%d>\n", level, text, level)
		case content.BlockQuote:
			fmt.Fprintf(&out, "<blockquote><p>%s</p></blockquote>\n", text)
		default:
			fmt.Fprintf(&out, "<p>%s</p>\n", text)
		}
	}
	for _, media := range doc.Media {
		if media.Kind != "image" {
			continue
		}
		caption := html.EscapeString(media.Caption)
		fmt.Fprintf(&out, "<figure><img src=%q alt=%q><figcaption>%s</figcaption></figure>\n",
			media.ObjectKey, caption, caption)
	}
	return out.String()
}
