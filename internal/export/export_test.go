package export

import (
	"strings"
	"testing"
	"unicode/utf8"

	"matheditor/api/internal/content"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "document"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderHTML(t *testing.T) {
	svc := NewService()
	html, err := svc.RenderHTML(Document{
		Title:  "Test Document",
		Author: "Test Author",
		State: content.State{Root: content.Node{Type: "root", Children: []content.Node{
			{Type: "paragraph", Children: []content.Node{
				{Type: "text", Text: "This is the content."},
			}},
		}}},
	})
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}

	if !strings.Contains(html, "Test Document") {
		t.Error("HTML missing title")
	}
	if !strings.Contains(html, "Test Author") {
		t.Error("HTML missing author")
	}
	// Rendered content must pass through unescaped
	if !strings.Contains(html, "<p>This is the content.</p>") {
		t.Error("HTML content should contain unescaped <p> tags")
	}
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("HTML content was escaped - should be rendered as raw HTML")
	}
}

func TestRenderOGCard(t *testing.T) {
	result := RenderOGCard("My Document", "Avery")
	svg := string(result.Data)

	if result.MimeType != "image/svg+xml" {
		t.Errorf("MimeType = %s", result.MimeType)
	}
	if !strings.Contains(svg, "My Document") || !strings.Contains(svg, "Avery") {
		t.Errorf("OG card missing title or author:\n%s", svg)
	}

	escaped := RenderOGCard(`<script>"x"</script>`, "")
	if strings.Contains(string(escaped.Data), "<script>") {
		t.Error("OG card did not escape title")
	}
}

func TestRenderOGCardTruncatesLongTitles(t *testing.T) {
	long := strings.Repeat("a", 100)
	result := RenderOGCard(long, "Avery")
	if strings.Contains(string(result.Data), long) {
		t.Error("expected long title to be truncated")
	}

	// Truncation must not split a multi-byte rune.
	mathTitle := strings.Repeat("∑", 100)
	svg := string(RenderOGCard(mathTitle, "Avery").Data)
	if !utf8.ValidString(svg) {
		t.Error("truncated multi-byte title produced invalid UTF-8")
	}
	if !strings.Contains(svg, strings.Repeat("∑", 57)+"...") {
		t.Error("expected 57 runes plus ellipsis")
	}
}
