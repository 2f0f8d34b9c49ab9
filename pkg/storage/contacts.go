package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"courier/pkg/federation"
	"courier/pkg/types"
)

const contactColumns = `id, owner_uid, uri, nurl, addr, name, network, rel, blocked, pending,
	pubkey, poll, hub_verify, subhub, guid, created`

// FindContact looks up a contact by normalized author URI within one owner
// scope (0 is the global scope).
func (s *Store) FindContact(ctx context.Context, uri string, ownerUID int64) (*types.Contact, error) {
	return s.queryContact(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE owner_uid = ? AND nurl = ?`,
		ownerUID, federation.NormalizeURI(uri),
	)
}

// CreateContact inserts a minimal contact. Concurrent creators for the same
// (owner, uri) all get the one row that won.
func (s *Store) CreateContact(ctx context.Context, uri string, ownerUID int64, network types.Network) (*types.Contact, error) {
	return s.AddContact(ctx, &types.Contact{
		OwnerUserID: ownerUID,
		URI:         uri,
		Network:     network,
	})
}

// AddContact inserts c unless (owner, normalized uri) exists and returns the
// stored row either way.
func (s *Store) AddContact(ctx context.Context, c *types.Contact) (*types.Contact, error) {
	if c.URI == "" {
		return nil, errors.New("contact uri is required")
	}
	if c.Network == "" {
		return nil, errors.New("contact network is required")
	}
	nurl := federation.NormalizeURI(c.URI)
	addr := c.Addr
	if addr == "" {
		if h, err := federation.ParseHandle(c.URI); err == nil {
			addr = h.String()
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (
			owner_uid, uri, nurl, addr, name, network, rel, blocked, pending,
			pubkey, poll, hub_verify, subhub, guid, created
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_uid, nurl) DO NOTHING`,
		c.OwnerUserID, c.URI, nurl, addr, c.Name, string(c.Network), int(c.Relationship),
		boolToInt(c.Blocked), boolToInt(c.Pending), c.PublicKey, c.PollURL, c.HubVerifyToken,
		boolToInt(c.SubscribedToHub), c.GUID, nowUnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert contact %q: %w", c.URI, err)
	}

	return s.queryContact(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE owner_uid = ? AND nurl = ?`,
		c.OwnerUserID, nurl,
	)
}

func (s *Store) GetContact(ctx context.Context, id int64) (*types.Contact, error) {
	return s.queryContact(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
}

// FindPublicKey returns any stored key for the author, preferring the oldest row.
func (s *Store) FindPublicKey(ctx context.Context, uri string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT pubkey FROM contacts WHERE nurl = ? AND pubkey != '' ORDER BY id LIMIT 1`,
		federation.NormalizeURI(uri),
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find public key for %q: %w", uri, err)
	}
	return key, nil
}

// UpdatePublicKey stores key on every contact row of the author and returns
// how many rows changed.
func (s *Store) UpdatePublicKey(ctx context.Context, uri, key string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET pubkey = ? WHERE nurl = ?`,
		key, federation.NormalizeURI(uri),
	)
	if err != nil {
		return 0, fmt.Errorf("update public key for %q: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for key update: %w", err)
	}
	return n, nil
}

func (s *Store) SetContactKey(ctx context.Context, id int64, key string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET pubkey = ? WHERE id = ?`, key, id)
	if err != nil {
		return fmt.Errorf("update contact %d key: %w", id, err)
	}
	return expectOneRow(res, "contact", id)
}

func (s *Store) SetContactBlocked(ctx context.Context, id int64, blocked bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET blocked = ? WHERE id = ?`, boolToInt(blocked), id)
	if err != nil {
		return fmt.Errorf("update contact %d: %w", id, err)
	}
	return expectOneRow(res, "contact", id)
}

func (s *Store) SetContactRelationship(ctx context.Context, id int64, rel types.Relationship, pending bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET rel = ?, pending = ? WHERE id = ?`,
		int(rel), boolToInt(pending), id,
	)
	if err != nil {
		return fmt.Errorf("update contact %d relationship: %w", id, err)
	}
	return expectOneRow(res, "contact", id)
}

func (s *Store) SetContactPoll(ctx context.Context, id int64, pollURL string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET poll = ? WHERE id = ?`, pollURL, id)
	if err != nil {
		return fmt.Errorf("update contact %d poll: %w", id, err)
	}
	return expectOneRow(res, "contact", id)
}

func (s *Store) SetHubVerifyToken(ctx context.Context, id int64, token string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET hub_verify = ? WHERE id = ?`, token, id)
	if err != nil {
		return fmt.Errorf("update contact %d verify token: %w", id, err)
	}
	return expectOneRow(res, "contact", id)
}

func (s *Store) SetHubSubscribed(ctx context.Context, id int64, subscribed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET subhub = ? WHERE id = ?`, boolToInt(subscribed), id)
	if err != nil {
		return fmt.Errorf("update contact %d hub state: %w", id, err)
	}
	return expectOneRow(res, "contact", id)
}

// UpdateContactName records a profile update for every row of the author
func (s *Store) UpdateContactName(ctx context.Context, uri, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET name = ? WHERE nurl = ?`,
		name, federation.NormalizeURI(uri),
	); err != nil {
		return fmt.Errorf("update contact name for %q: %w", uri, err)
	}
	return nil
}

// ListPollableContacts returns user-owned contacts with a feed to pull:
// unblocked, confirmed, and either shared with us or a plain feed.
func (s *Store) ListPollableContacts(ctx context.Context) ([]types.Contact, error) {
	return s.queryContacts(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE owner_uid != 0 AND poll != '' AND blocked = 0 AND pending = 0
		  AND (rel IN (?, ?) OR network = ?)
		ORDER BY id`,
		int(types.RelSharing), int(types.RelFriend), string(types.NetworkFeed),
	)
}

// ListContacts returns the contacts of one owner scope
func (s *Store) ListContacts(ctx context.Context, ownerUID int64) ([]types.Contact, error) {
	return s.queryContacts(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE owner_uid = ? ORDER BY id`,
		ownerUID,
	)
}

func (s *Store) queryContact(ctx context.Context, query string, args ...any) (*types.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Store) queryContacts(ctx context.Context, query string, args ...any) ([]types.Contact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []types.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return contacts, nil
}

func scanContact(row scanner) (*types.Contact, error) {
	var (
		c                        types.Contact
		network                  string
		rel                      int
		blocked, pending, subhub int
		created                  int64
	)
	err := row.Scan(&c.ID, &c.OwnerUserID, &c.URI, &c.NormalizedURL, &c.Addr, &c.Name, &network,
		&rel, &blocked, &pending, &c.PublicKey, &c.PollURL, &c.HubVerifyToken, &subhub, &c.GUID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	c.Network = types.Network(network)
	c.Relationship = types.Relationship(rel)
	c.Blocked = blocked == 1
	c.Pending = pending == 1
	c.SubscribedToHub = subhub == 1
	c.CreatedAt = fromUnixMilli(created)
	return &c, nil
}
