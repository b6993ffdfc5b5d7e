package store

import (
	"context"
	"database/sql"
	"fmt"
)

const userColumns = `id, COALESCE(handle, ''), name, email, password_hash, disabled, role, image, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Handle,
		&user.Name,
		&user.Email,
		&user.PasswordHash,
		&user.Disabled,
		&user.Role,
		&user.Image,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, handle, name, email, password_hash, disabled, role, image)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
		RETURNING `+userColumns+`
	`, user.ID, user.Handle, user.Name, user.Email, user.PasswordHash, user.Disabled, user.Role, user.Image)
	created, err := scanUser(row)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByHandle(ctx context.Context, handle string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(handle)=LOWER($1)`, handle)
	return scanUser(row)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET handle=NULLIF($2, ''), name=$3, email=$4, password_hash=$5, disabled=$6, role=$7, image=$8, updated_at=NOW()
		WHERE id=$1
		RETURNING `+userColumns+`
	`, user.ID, user.Handle, user.Name, user.Email, user.PasswordHash, user.Disabled, user.Role, user.Image)
	updated, err := scanUser(row)
	if err != nil {
		return User{}, err
	}
	return updated, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
