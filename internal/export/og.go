package export

import (
	"fmt"
	"html"
)

// RenderOGCard produces a social preview card for a document as SVG.
func RenderOGCard(title, author string) *Result {
	if title == "" {
		title = "Untitled"
	}
	if runes := []rune(title); len(runes) > 60 {
		title = string(runes[:57]) + "..."
	}

	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="1200" height="630" viewBox="0 0 1200 630">
  <rect width="1200" height="630" fill="#1e293b"/>
  <rect x="0" y="0" width="1200" height="8" fill="#38bdf8"/>
  <text x="80" y="300" font-family="Georgia, serif" font-size="64" fill="#f8fafc">%s</text>
  <text x="80" y="380" font-family="Georgia, serif" font-size="32" fill="#94a3b8">%s</text>
  <text x="80" y="560" font-family="Georgia, serif" font-size="28" fill="#38bdf8">matheditor</text>
</svg>`, html.EscapeString(title), html.EscapeString(author))

	return &Result{
		Data:     []byte(svg),
		Filename: sanitizeFilename(title) + ".svg",
		MimeType: "image/svg+xml",
	}
}
