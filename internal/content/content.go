// Package content models the editor's serialized document tree and renders
// it to HTML for export.
package content

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Node is one node of the serialized editor state, discriminated by Type.
type Node struct {
	Type      string  `json:"type"`
	Children  []Node  `json:"children,omitempty"`
	Text      string  `json:"text,omitempty"`
	Format    int     `json:"format,omitempty"`
	Tag       string  `json:"tag,omitempty"`
	ListType  string  `json:"listType,omitempty"`
	URL       string  `json:"url,omitempty"`
	Value     string  `json:"value,omitempty"`
	Language  string  `json:"language,omitempty"`
	Direction *string `json:"direction,omitempty"`
	Indent    int     `json:"indent,omitempty"`
	Version   int     `json:"version,omitempty"`
}

// State is the top-level serialized editor state.
type State struct {
	Root Node `json:"root"`
}

// Text format bits
const (
	FormatBold          = 1 << 0
	FormatItalic        = 1 << 1
	FormatStrikethrough = 1 << 2
	FormatUnderline     = 1 << 3
	FormatCode          = 1 << 4
)

var nodeTypes = map[string]bool{
	"root":      true,
	"paragraph": true,
	"heading":   true,
	"text":      true,
	"list":      true,
	"listitem":  true,
	"quote":     true,
	"code":      true,
	"code-highlight": true,
	"link":      true,
	"linebreak": true,
	"math":      true,
	"table":     true,
	"tablerow":  true,
	"tablecell": true,
	"image":     true,
	"horizontalrule": true,
}

// Parse decodes and validates a serialized editor state.
func Parse(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode editor state: %w", err)
	}
	if err := Validate(state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Validate checks the tree shape: the root node must carry children and
// every node type must be known.
func Validate(state State) error {
	if state.Root.Type != "root" {
		return fmt.Errorf("root node has type %q, want root", state.Root.Type)
	}
	if state.Root.Children == nil {
		return fmt.Errorf("root node has no children")
	}
	return validateNode(state.Root)
}

func validateNode(node Node) error {
	if !nodeTypes[node.Type] {
		return fmt.Errorf("unknown node type %q", node.Type)
	}
	for _, child := range node.Children {
		if err := validateNode(child); err != nil {
			return err
		}
	}
	return nil
}

// RenderHTML converts a validated editor state to an HTML fragment.
func RenderHTML(state State) string {
	return renderChildren(state.Root.Children)
}

func renderChildren(nodes []Node) string {
	var out strings.Builder
	for _, node := range nodes {
		out.WriteString(renderNode(node))
	}
	return out.String()
}

func renderNode(node Node) string {
	switch node.Type {
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderChildren(node.Children))
	case "heading":
		tag := node.Tag
		switch tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
		default:
			tag = "h1"
		}
		return fmt.Sprintf("<%s>%s</%s>\n", tag, renderChildren(node.Children), tag)
	case "text":
		return renderText(node)
	case "list":
		tag := "ul"
		if node.ListType == "number" {
			tag = "ol"
		}
		return fmt.Sprintf("<%s>\n%s</%s>\n", tag, renderChildren(node.Children), tag)
	case "listitem":
		return fmt.Sprintf("<li>%s</li>\n", renderChildren(node.Children))
	case "quote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderChildren(node.Children))
	case "code":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", renderChildren(node.Children))
	case "code-highlight":
		return html.EscapeString(node.Text)
	case "link":
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(node.URL), renderChildren(node.Children))
	case "linebreak":
		return "<br>"
	case "math":
		return fmt.Sprintf(`<span class="math">%s</span>`, html.EscapeString(node.Value))
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", renderChildren(node.Children))
	case "tablerow":
		return fmt.Sprintf("<tr>\n%s</tr>\n", renderChildren(node.Children))
	case "tablecell":
		return fmt.Sprintf("<td>%s</td>\n", renderChildren(node.Children))
	case "image":
		return fmt.Sprintf(`<img src="%s" alt="">`, html.EscapeString(node.URL))
	case "horizontalrule":
		return "<hr>\n"
	default:
		return renderChildren(node.Children)
	}
}

func renderText(node Node) string {
	text := html.EscapeString(node.Text)
	if node.Format&FormatCode != 0 {
		text = fmt.Sprintf("<code>%s</code>", text)
	}
	if node.Format&FormatUnderline != 0 {
		text = fmt.Sprintf("<u>%s</u>", text)
	}
	if node.Format&FormatStrikethrough != 0 {
		text = fmt.Sprintf("<s>%s</s>", text)
	}
	if node.Format&FormatItalic != 0 {
		text = fmt.Sprintf("<em>%s</em>", text)
	}
	if node.Format&FormatBold != 0 {
		text = fmt.Sprintf("<strong>%s</strong>", text)
	}
	return text
}

// PlainText extracts the raw text of a state, used for search snippets.
func PlainText(state State) string {
	var out strings.Builder
	collectText(state.Root, &out)
	return strings.TrimSpace(out.String())
}

func collectText(node Node, out *strings.Builder) {
	if node.Type == "text" || node.Type == "code-highlight" {
		out.WriteString(node.Text)
	}
	if node.Type == "math" {
		out.WriteString(node.Value)
	}
	for _, child := range node.Children {
		collectText(child, out)
	}
	switch node.Type {
	case "paragraph", "heading", "listitem", "quote", "code", "linebreak":
		out.WriteString("\n")
	}
}
