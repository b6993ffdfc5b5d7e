package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrDuplicate reports an insert that collided with an existing row.
var ErrDuplicate = errors.New("duplicate row")

const documentColumns = `d.id, COALESCE(d.handle, ''), d.name, d.head, d.author_id, d.published, d.collab, d.private, COALESCE(d.base_id, ''), d.created_at, d.updated_at`

const documentReturning = `id, COALESCE(handle, ''), name, head, author_id, published, collab, private, COALESCE(base_id, ''), created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.Handle,
		&doc.Name,
		&doc.Head,
		&doc.AuthorID,
		&doc.Published,
		&doc.Collab,
		&doc.Private,
		&doc.BaseID,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	return doc, err
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, handle, name, head, author_id, published, collab, private, base_id)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING `+documentReturning+`
	`, doc.ID, doc.Handle, doc.Name, doc.Head, doc.AuthorID, doc.Published, doc.Collab, doc.Private, doc.BaseID)
	created, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetDocumentByID(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents d WHERE d.id=$1
	`, documentID)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	return s.loadDocumentRelations(ctx, doc)
}

func (s *PostgresStore) GetDocumentByHandle(ctx context.Context, handle string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents d WHERE LOWER(d.handle)=LOWER($1)
	`, handle)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	return s.loadDocumentRelations(ctx, doc)
}

func (s *PostgresStore) loadDocumentRelations(ctx context.Context, doc Document) (Document, error) {
	author, err := s.GetUserByID(ctx, doc.AuthorID)
	if err != nil {
		return Document{}, fmt.Errorf("load document author: %w", err)
	}
	doc.Author = author

	coauthors, err := s.ListCoauthors(ctx, doc.ID)
	if err != nil {
		return Document{}, err
	}
	doc.Coauthors = coauthors

	revisions, err := s.ListRevisionMeta(ctx, doc.ID)
	if err != nil {
		return Document{}, err
	}
	doc.Revisions = revisions
	return doc, nil
}

// coercePage applies the listing defaults: page floors at 1, pageSize at 10.
func coercePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return page, pageSize
}

func totalPages(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// ListPublishedDocuments lists the public catalog. Private documents stay
// out even when published.
func (s *PostgresStore) ListPublishedDocuments(ctx context.Context, page, pageSize int) (Page[Document], error) {
	page, pageSize = coercePage(page, pageSize)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE published AND NOT private`).Scan(&total); err != nil {
		return Page[Document]{}, fmt.Errorf("count published documents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		WHERE d.published AND NOT d.private
		ORDER BY d.updated_at DESC
		LIMIT $1 OFFSET $2
	`, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page[Document]{}, fmt.Errorf("list published documents: %w", err)
	}
	defer rows.Close()

	items, err := s.collectDocuments(ctx, rows)
	if err != nil {
		return Page[Document]{}, err
	}
	return Page[Document]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}

// ListUserDocuments returns documents the user authors or coauthors.
func (s *PostgresStore) ListUserDocuments(ctx context.Context, userID string, page, pageSize int) (Page[Document], error) {
	page, pageSize = coercePage(page, pageSize)

	const where = `
		d.author_id=$1
		OR EXISTS (SELECT 1 FROM document_coauthors c WHERE c.document_id=d.id AND c.user_id=$1)
	`

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents d WHERE `+where, userID).Scan(&total); err != nil {
		return Page[Document]{}, fmt.Errorf("count user documents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		WHERE `+where+`
		ORDER BY d.updated_at DESC
		LIMIT $2 OFFSET $3
	`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return Page[Document]{}, fmt.Errorf("list user documents: %w", err)
	}
	defer rows.Close()

	items, err := s.collectDocuments(ctx, rows)
	if err != nil {
		return Page[Document]{}, err
	}
	return Page[Document]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages(total, pageSize),
	}, nil
}

func (s *PostgresStore) collectDocuments(ctx context.Context, rows *sql.Rows) ([]Document, error) {
	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	for i := range items {
		loaded, err := s.loadDocumentRelations(ctx, items[i])
		if err != nil {
			return nil, err
		}
		items[i] = loaded
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, doc Document) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET handle=NULLIF($2, ''), name=$3, published=$4, collab=$5, private=$6, updated_at=NOW()
		WHERE id=$1
		RETURNING `+documentReturning+`
	`, doc.ID, doc.Handle, doc.Name, doc.Published, doc.Collab, doc.Private)
	updated, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	return s.loadDocumentRelations(ctx, updated)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MoveHead repoints a document head, refusing revisions that belong to a
// different document.
func (s *PostgresStore) MoveHead(ctx context.Context, documentID, revisionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET head=$2, updated_at=NOW()
		WHERE id=$1
		  AND EXISTS (SELECT 1 FROM revisions r WHERE r.id=$2 AND r.document_id=$1)
	`, documentID, revisionID)
	if err != nil {
		return false, fmt.Errorf("move head: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("move head rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AddCoauthor(ctx context.Context, documentID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO document_coauthors (document_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (document_id, user_id) DO NOTHING
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("add coauthor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("add coauthor rows: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PostgresStore) RemoveCoauthor(ctx context.Context, documentID, userID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_coauthors WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return fmt.Errorf("remove coauthor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove coauthor rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListCoauthors(ctx context.Context, documentID string) ([]Coauthor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.document_id, c.user_id, u.email, u.name, COALESCE(u.handle, ''), c.created_at
		FROM document_coauthors c
		JOIN users u ON u.id = c.user_id
		WHERE c.document_id=$1
		ORDER BY c.created_at ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list coauthors: %w", err)
	}
	defer rows.Close()

	items := make([]Coauthor, 0)
	for rows.Next() {
		var item Coauthor
		if err := rows.Scan(&item.DocumentID, &item.UserID, &item.Email, &item.Name, &item.Handle, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coauthor: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coauthors: %w", err)
	}
	return items, nil
}

// UsageByUser reports stored revision bytes per document the user authors.
func (s *PostgresStore) UsageByUser(ctx context.Context, userID string) ([]DocumentUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, COUNT(r.id)::int, COALESCE(SUM(octet_length(r.data::text)), 0)::bigint
		FROM documents d
		LEFT JOIN revisions r ON r.document_id = d.id
		WHERE d.author_id=$1
		GROUP BY d.id, d.name
		ORDER BY d.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("usage by user: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentUsage, 0)
	for rows.Next() {
		var item DocumentUsage
		if err := rows.Scan(&item.DocumentID, &item.Name, &item.Revisions, &item.Bytes); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return items, nil
}
