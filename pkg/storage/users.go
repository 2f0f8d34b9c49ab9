package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"courier/pkg/types"

	"github.com/google/uuid"
)

const userColumns = `uid, guid, nickname, prvkey, pubkey, blocked, created`

// CreateUser inserts a local account. The guid is what Diaspora peers
// address private deliveries to.
func (s *Store) CreateUser(ctx context.Context, nickname, privateKeyPEM, publicKeyPEM string) (*types.User, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return nil, errors.New("nickname is required")
	}
	if privateKeyPEM == "" || publicKeyPEM == "" {
		return nil, errors.New("user keypair is required")
	}

	guid := strings.ReplaceAll(uuid.NewString(), "-", "")
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (guid, nickname, prvkey, pubkey, blocked, created)
		VALUES (?, ?, ?, ?, 0, ?)`,
		guid, nickname, privateKeyPEM, publicKeyPEM, nowUnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", nickname, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert user %q: %w", nickname, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, uid int64) (*types.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE uid = ?`, uid)
}

func (s *Store) GetUserByNickname(ctx context.Context, nickname string) (*types.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE nickname = ?`, nickname)
}

func (s *Store) GetUserByGUID(ctx context.Context, guid string) (*types.User, error) {
	return s.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE guid = ?`, guid)
}

// ListUsers returns every local account ordered by uid.
func (s *Store) ListUsers(ctx context.Context) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY uid`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *Store) SetUserBlocked(ctx context.Context, uid int64, blocked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET blocked = ? WHERE uid = ?`, boolToInt(blocked), uid)
	if err != nil {
		return fmt.Errorf("update user %d: %w", uid, err)
	}
	return expectOneRow(res, "user", uid)
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (*types.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func scanUser(row scanner) (*types.User, error) {
	var (
		u       types.User
		blocked int
		created int64
	)
	if err := row.Scan(&u.ID, &u.GUID, &u.Nickname, &u.PrivateKeyPEM, &u.PublicKeyPEM, &blocked, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Blocked = blocked == 1
	u.CreatedAt = fromUnixMilli(created)
	return &u, nil
}

func expectOneRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s %d: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}
