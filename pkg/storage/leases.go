package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"courier/pkg/types"
)

const leaseColumns = `id, owner_uid, contact_id, nickname, callback_url, topic, secret,
	verify_token, mode, expires_at, last_update, renewed, push_failures`

// GetSubscriptionLease returns the most recently renewed lease of an owner
func (s *Store) GetSubscriptionLease(ctx context.Context, ownerUID int64) (*types.SubscriptionLease, error) {
	return s.queryLease(ctx,
		`SELECT `+leaseColumns+` FROM subscription_leases
		WHERE owner_uid = ? ORDER BY renewed DESC, id DESC LIMIT 1`,
		ownerUID,
	)
}

func (s *Store) GetLeaseByCallback(ctx context.Context, callbackURL string) (*types.SubscriptionLease, error) {
	return s.queryLease(ctx,
		`SELECT `+leaseColumns+` FROM subscription_leases WHERE callback_url = ?`,
		callbackURL,
	)
}

// GetContactLease returns the lease held for a contact we subscribed to
func (s *Store) GetContactLease(ctx context.Context, contactID int64) (*types.SubscriptionLease, error) {
	return s.queryLease(ctx,
		`SELECT `+leaseColumns+` FROM subscription_leases
		WHERE contact_id = ? ORDER BY renewed DESC, id DESC LIMIT 1`,
		contactID,
	)
}

// ListSubscriptionLeases returns the hub-side leases on an owner's feed
func (s *Store) ListSubscriptionLeases(ctx context.Context, ownerUID int64) ([]types.SubscriptionLease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leaseColumns+` FROM subscription_leases
		WHERE owner_uid = ? AND contact_id = 0 ORDER BY id`,
		ownerUID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscription leases: %w", err)
	}
	defer rows.Close()

	var leases []types.SubscriptionLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription leases: %w", err)
	}
	return leases, nil
}

// UpsertSubscriptionLease creates or renews the lease for a callback URL.
// A renewal keeps last_update so the subscriber is not sent old items twice.
func (s *Store) UpsertSubscriptionLease(ctx context.Context, lease *types.SubscriptionLease) (*types.SubscriptionLease, error) {
	if lease.RemoteCallbackURL == "" {
		return nil, errors.New("callback url is required")
	}
	if lease.Mode != types.ModeSubscribe && lease.Mode != types.ModeUnsubscribe {
		return nil, fmt.Errorf("invalid lease mode %q", lease.Mode)
	}

	renewed := lease.Renewed
	if renewed.IsZero() {
		renewed = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_leases (
			owner_uid, contact_id, nickname, callback_url, topic, secret,
			verify_token, mode, expires_at, last_update, renewed, push_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(callback_url) DO UPDATE SET
			owner_uid = excluded.owner_uid,
			contact_id = excluded.contact_id,
			nickname = excluded.nickname,
			topic = excluded.topic,
			secret = excluded.secret,
			verify_token = excluded.verify_token,
			mode = excluded.mode,
			expires_at = excluded.expires_at,
			renewed = excluded.renewed,
			push_failures = 0`,
		lease.OwnerUserID, lease.ContactID, lease.Nickname, lease.RemoteCallbackURL, lease.TopicURL,
		lease.Secret, lease.VerifyToken, string(lease.Mode), toUnixMilli(lease.LeaseExpiresAt),
		toUnixMilli(lease.LastUpdate), toUnixMilli(renewed),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription lease for %q: %w", lease.RemoteCallbackURL, err)
	}

	return s.GetLeaseByCallback(ctx, lease.RemoteCallbackURL)
}

// DeleteSubscriptionLease removes the lease for a callback and reports
// whether one existed.
func (s *Store) DeleteSubscriptionLease(ctx context.Context, callbackURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscription_leases WHERE callback_url = ?`, callbackURL)
	if err != nil {
		return false, fmt.Errorf("delete subscription lease for %q: %w", callbackURL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for lease delete: %w", err)
	}
	return n > 0, nil
}

// RecordPushResult tracks delivery health of a hub-side lease
func (s *Store) RecordPushResult(ctx context.Context, id int64, delivered bool) error {
	query := `UPDATE subscription_leases SET push_failures = push_failures + 1 WHERE id = ?`
	args := []any{id}
	if delivered {
		query = `UPDATE subscription_leases SET push_failures = 0, last_update = ? WHERE id = ?`
		args = []any{nowUnixMilli(), id}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record push result for lease %d: %w", id, err)
	}
	return expectOneRow(res, "lease", id)
}

// PruneExpiredLeases removes leases whose expiry passed before now
func (s *Store) PruneExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscription_leases WHERE expires_at != 0 AND expires_at < ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for lease prune: %w", err)
	}
	return n, nil
}

func (s *Store) CountLeases(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription_leases`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscription leases: %w", err)
	}
	return n, nil
}

func (s *Store) queryLease(ctx context.Context, query string, args ...any) (*types.SubscriptionLease, error) {
	l, err := scanLease(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func scanLease(row scanner) (*types.SubscriptionLease, error) {
	var (
		l                                types.SubscriptionLease
		mode                             string
		expiresAt, lastUpdate, renewedAt int64
	)
	err := row.Scan(&l.ID, &l.OwnerUserID, &l.ContactID, &l.Nickname, &l.RemoteCallbackURL, &l.TopicURL,
		&l.Secret, &l.VerifyToken, &mode, &expiresAt, &lastUpdate, &renewedAt, &l.PushFailures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscription lease: %w", err)
	}
	l.Mode = types.SubscriptionMode(mode)
	l.LeaseExpiresAt = fromUnixMilli(expiresAt)
	l.LastUpdate = fromUnixMilli(lastUpdate)
	l.Renewed = fromUnixMilli(renewedAt)
	return &l, nil
}
