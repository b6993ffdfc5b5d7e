package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"matheditor/api/internal/content"
)

// Document holds what the renderer needs from a document's head revision.
type Document struct {
	ID        string
	Title     string
	Handle    string
	Author    string
	UpdatedAt time.Time
	State     content.State
}

// Service renders documents to export formats.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// RenderHTML produces the standalone HTML page for a document.
func (s *Service) RenderHTML(doc Document) (string, error) {
	body := content.RenderHTML(doc.State)
	html, err := RenderDocumentHTML(TemplateData{
		Title:       doc.Title,
		Handle:      doc.Handle,
		ContentHTML: template.HTML(body),
		Author:      doc.Author,
		UpdatedAt:   doc.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return html, nil
}

// Export generates an export in the requested format.
func (s *Service) Export(ctx context.Context, doc Document, format Format) (*Result, error) {
	html, err := s.RenderHTML(doc)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatPDF:
		return exportPDF(ctx, html, doc.Title)
	case FormatDOCX:
		return exportDOCX(html, doc.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}
