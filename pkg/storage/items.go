package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"courier/pkg/federation"
	"courier/pkg/types"
)

const itemColumns = `id, uid, guid, parent_guid, author, kind, body, contact_id, deleted, received`

// ApplyMessage records the effect of a verified message. Messages that did not
// pass through signature verification are refused.
func (s *Store) ApplyMessage(ctx context.Context, msg *types.VerifiedMessage) error {
	if !msg.Verified() {
		return ErrUnverified
	}

	switch msg.Kind {
	case types.KindPost, types.KindComment, types.KindLike, types.KindShare:
		return s.insertItem(ctx, msg)
	case types.KindRetraction:
		return s.retractItem(ctx, msg)
	case types.KindProfileUpdate:
		name := msg.Payload.Field("name")
		if name == "" {
			return nil
		}
		return s.UpdateContactName(ctx, msg.Author, name)
	case types.KindFollow:
		return s.shiftRelationship(ctx, msg.ContactID,
			`CASE rel WHEN ? THEN ? WHEN ? THEN ? ELSE rel END`,
			int(types.RelNone), int(types.RelFollower), int(types.RelSharing), int(types.RelFriend))
	case types.KindUnfollow:
		return s.shiftRelationship(ctx, msg.ContactID,
			`CASE rel WHEN ? THEN ? WHEN ? THEN ? ELSE rel END`,
			int(types.RelFollower), int(types.RelNone), int(types.RelFriend), int(types.RelSharing))
	default:
		return fmt.Errorf("apply message %q: unsupported kind %q", msg.GUID, msg.Kind)
	}
}

func (s *Store) insertItem(ctx context.Context, msg *types.VerifiedMessage) error {
	if msg.GUID == "" {
		return errors.New("item guid is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO items (uid, guid, parent_guid, author, kind, body, contact_id, deleted, received)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(uid, guid) DO NOTHING`,
		msg.TargetUserID, msg.GUID, msg.ParentGUID, federation.NormalizeURI(msg.Author),
		string(msg.Kind), msg.Payload.Body, msg.ContactID, nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert item %q: %w", msg.GUID, err)
	}
	return nil
}

// retractItem only deletes items the retracting author wrote.
func (s *Store) retractItem(ctx context.Context, msg *types.VerifiedMessage) error {
	if msg.ParentGUID == "" {
		return errors.New("retraction target guid is required")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE items SET deleted = 1 WHERE guid = ? AND author = ?`,
		msg.ParentGUID, federation.NormalizeURI(msg.Author),
	); err != nil {
		return fmt.Errorf("retract item %q: %w", msg.ParentGUID, err)
	}
	return nil
}

func (s *Store) shiftRelationship(ctx context.Context, contactID int64, expr string, args ...any) error {
	if contactID == 0 {
		return errors.New("relationship change needs a contact")
	}

	args = append(args, contactID)
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET rel = `+expr+`, pending = 0 WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update contact %d relationship: %w", contactID, err)
	}
	return expectOneRow(res, "contact", contactID)
}

// GetItem returns the item a user holds for guid
func (s *Store) GetItem(ctx context.Context, uid int64, guid string) (*types.Item, error) {
	var (
		it       types.Item
		kind     string
		deleted  int
		received int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE uid = ? AND guid = ?`,
		uid, guid,
	).Scan(&it.ID, &it.UserID, &it.GUID, &it.ParentGUID, &it.Author, &kind, &it.Body,
		&it.ContactID, &deleted, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item %q: %w", guid, err)
	}
	it.Kind = types.MessageKind(kind)
	it.Deleted = deleted == 1
	it.Received = fromUnixMilli(received)
	return &it, nil
}

func (s *Store) CountItems(ctx context.Context, uid int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE uid = ? AND deleted = 0`, uid,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// Stats summarises table sizes for the status command.
type Stats struct {
	Users    int64
	Contacts int64
	Items    int64
	Guids    int64
	Leases   int64
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM contacts),
			(SELECT COUNT(*) FROM items WHERE deleted = 0),
			(SELECT COUNT(*) FROM processed_guids),
			(SELECT COUNT(*) FROM subscription_leases)`,
	).Scan(&st.Users, &st.Contacts, &st.Items, &st.Guids, &st.Leases); err != nil {
		return Stats{}, fmt.Errorf("collect storage stats: %w", err)
	}
	return st, nil
}
