package store

import (
	"context"
	"errors"
	"fmt"
)

func (s *PostgresStore) GetRevision(ctx context.Context, revisionID string) (Revision, error) {
	var rev Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.document_id, r.author_id, r.data, r.created_at, d.name,
			u.id, COALESCE(u.handle, ''), u.name, u.email, u.image
		FROM revisions r
		JOIN documents d ON d.id = r.document_id
		JOIN users u ON u.id = r.author_id
		WHERE r.id=$1
	`, revisionID).Scan(
		&rev.ID,
		&rev.DocumentID,
		&rev.AuthorID,
		&rev.Data,
		&rev.CreatedAt,
		&rev.DocumentName,
		&rev.Author.ID,
		&rev.Author.Handle,
		&rev.Author.Name,
		&rev.Author.Email,
		&rev.Author.Image,
	)
	if err != nil {
		return Revision{}, err
	}
	return rev, nil
}

func (s *PostgresStore) ListRevisionMeta(ctx context.Context, documentID string) ([]RevisionMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.document_id, r.author_id, u.name, r.created_at
		FROM revisions r
		JOIN users u ON u.id = r.author_id
		WHERE r.document_id=$1
		ORDER BY r.created_at DESC, r.id DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]RevisionMeta, 0)
	for rows.Next() {
		var item RevisionMeta
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.AuthorID, &item.AuthorName, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

// CreateRevision inserts the revision and advances the document head in one
// transaction, so the head can never miss its own insert.
func (s *PostgresStore) CreateRevision(ctx context.Context, rev Revision) (Revision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Revision{}, fmt.Errorf("begin revision tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO revisions (id, document_id, author_id, data)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, rev.ID, rev.DocumentID, rev.AuthorID, []byte(rev.Data)).Scan(&rev.CreatedAt)
	if err != nil {
		return Revision{}, fmt.Errorf("insert revision: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET head=$2, updated_at=NOW() WHERE id=$1
	`, rev.DocumentID, rev.ID); err != nil {
		return Revision{}, fmt.Errorf("advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Revision{}, fmt.Errorf("commit revision tx: %w", err)
	}
	return rev, nil
}

// DeleteRevision removes the revision; when it was the document head, the
// head repoints to the latest surviving revision, or to the empty sentinel
// when none remain.
func (s *PostgresStore) DeleteRevision(ctx context.Context, revisionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revision delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var documentID string
	var wasHead bool
	err = tx.QueryRowContext(ctx, `
		DELETE FROM revisions r
		USING documents d
		WHERE r.id=$1 AND d.id=r.document_id
		RETURNING r.document_id, d.head = r.id
	`, revisionID).Scan(&documentID, &wasHead)
	if err != nil {
		return err
	}

	if wasHead {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET head=COALESCE(
				(SELECT r.id FROM revisions r WHERE r.document_id=$1 ORDER BY r.created_at DESC, r.id DESC LIMIT 1),
				''
			), updated_at=NOW()
			WHERE id=$1
		`, documentID); err != nil {
			return fmt.Errorf("repoint head: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision delete tx: %w", err)
	}
	return nil
}

// CopyRevision duplicates a revision's content into a new row owned by
// another document, used when forking. The copy and the fork's head update
// commit together, so a fork can never hold a revision its head misses.
func (s *PostgresStore) CopyRevision(ctx context.Context, sourceRevisionID, targetDocumentID, newRevisionID, authorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revision copy tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (id, document_id, author_id, data)
		SELECT $3, $2, $4, data FROM revisions WHERE id=$1
	`, sourceRevisionID, targetDocumentID, newRevisionID, authorID)
	if err != nil {
		return fmt.Errorf("copy revision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("copy revision rows: %w", err)
	}
	if affected == 0 {
		return errors.New("source revision not found")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET head=$2, updated_at=NOW() WHERE id=$1
	`, targetDocumentID, newRevisionID); err != nil {
		return fmt.Errorf("set fork head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision copy tx: %w", err)
	}
	return nil
}
