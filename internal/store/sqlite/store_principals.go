package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koltyakov/duplex/internal/domain"
)

func (s *Store) CreatePrincipal(ctx context.Context, username, passwordHash, role string) (domain.Principal, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.Principal{}, errors.New("username is empty")
	}
	id, err := newID("p")
	if err != nil {
		return domain.Principal{}, err
	}
	p := domain.Principal{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO principals(id, username, password_hash, role, created_at, disabled_at)
VALUES(?, ?, ?, ?, ?, NULL)`, p.ID, p.Username, p.PasswordHash, p.Role, p.CreatedAt)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.Principal{}, fmt.Errorf("%w: %s", ErrPrincipalExists, username)
		}
		return domain.Principal{}, err
	}
	return p, nil
}

// ResolvePrincipal returns the active principal named username.
func (s *Store) ResolvePrincipal(ctx context.Context, username string) (domain.Principal, error) {
	p, err := scanPrincipal(s.resolvePrincipalStmt.QueryRowContext(ctx, username))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Principal{}, ErrPrincipalNotFound
	}
	return p, err
}

func (s *Store) ListPrincipals(ctx context.Context) ([]domain.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, username, password_hash, role, created_at, disabled_at
FROM principals
ORDER BY created_at DESC, username ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DisablePrincipal(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE principals SET disabled_at = ? WHERE username = ? AND disabled_at IS NULL`, time.Now().UTC(), username)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (domain.Principal, error) {
	var p domain.Principal
	var disabled sql.NullTime
	if err := row.Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Role, &p.CreatedAt, &disabled); err != nil {
		return domain.Principal{}, err
	}
	if disabled.Valid {
		t := disabled.Time
		p.DisabledAt = &t
	}
	return p, nil
}
