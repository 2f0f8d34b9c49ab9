package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReserveGuid records (recipient, guid) and reports whether this call was the
// one that inserted it. The primary key makes the check-and-set atomic
// across connections and processes.
func (s *Store) ReserveGuid(ctx context.Context, recipientUID int64, guid string) (bool, error) {
	if guid == "" {
		return false, errors.New("guid is required")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_guids (recipient_uid, guid, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(recipient_uid, guid) DO NOTHING`,
		recipientUID, guid, nowUnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("reserve guid %q for %d: %w", guid, recipientUID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for guid reservation: %w", err)
	}
	return n == 1, nil
}

// ReleaseGuid drops a reservation whose apply step failed so a redelivery
// can succeed.
func (s *Store) ReleaseGuid(ctx context.Context, recipientUID int64, guid string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_guids WHERE recipient_uid = ? AND guid = ?`,
		recipientUID, guid,
	); err != nil {
		return fmt.Errorf("release guid %q for %d: %w", guid, recipientUID, err)
	}
	return nil
}

// HasGuid reports whether (recipient, guid) was already processed
func (s *Store) HasGuid(ctx context.Context, recipientUID int64, guid string) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_guids WHERE recipient_uid = ? AND guid = ?)`,
		recipientUID, guid,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check guid %q: %w", guid, err)
	}
	return exists == 1, nil
}

// PruneGuids removes ledger rows processed before cutoff.
func (s *Store) PruneGuids(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_guids WHERE processed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune processed guids: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for guid prune: %w", err)
	}
	return rowsAffected, nil
}

func (s *Store) CountGuids(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_guids`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed guids: %w", err)
	}
	return n, nil
}
