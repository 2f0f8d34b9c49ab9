package contacts

import (
	"context"
	"errors"
	"fmt"

	"courier/pkg/storage"
	"courier/pkg/types"

	"go.uber.org/zap"
)

var (
	// ErrBlocked is returned for authors the owner (or the node) blocked.
	ErrBlocked = errors.New("contacts: author is blocked")
	// ErrRelationshipRequired is returned when a private delivery comes from
	// an author without an established contact.
	ErrRelationshipRequired = errors.New("contacts: relationship required")
)

// Mode selects how strictly an author must already be known
type Mode int

const (
	// ModePublic accepts unknown authors by creating a global placeholder.
	ModePublic Mode = iota
	// ModePrivate needs an existing, confirmed contact.
	ModePrivate
	// ModeIntroduction lets an unknown author introduce themselves to one
	// owner, as a follow request does.
	ModeIntroduction
)

func (m Mode) String() string {
	switch m {
	case ModePrivate:
		return "private"
	case ModeIntroduction:
		return "introduction"
	default:
		return "public"
	}
}

// ContactStore is the storage surface the resolver needs
type ContactStore interface {
	FindContact(ctx context.Context, uri string, ownerUID int64) (*types.Contact, error)
	CreateContact(ctx context.Context, uri string, ownerUID int64, network types.Network) (*types.Contact, error)
}

// Resolver binds remote authors to local contact records
type Resolver struct {
	store  ContactStore
	logger *zap.Logger
}

func NewResolver(store ContactStore, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, logger: logger}
}

// ResolveOrCreate returns the contact for authorURI as seen by ownerUID
// (0 for public traffic). The owner's own record wins over the global one,
// and ModePrivate accepts nothing else.
func (r *Resolver) ResolveOrCreate(ctx context.Context, authorURI string, ownerUID int64, mode Mode, network types.Network) (*types.Contact, error) {
	if authorURI == "" {
		return nil, errors.New("author uri is required")
	}

	if ownerUID != 0 {
		c, err := r.find(ctx, authorURI, ownerUID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return r.check(c, mode)
		}
	}

	if mode == ModeIntroduction {
		if ownerUID == 0 {
			return nil, fmt.Errorf("%w: introduction needs a recipient", ErrRelationshipRequired)
		}
		c, err := r.store.CreateContact(ctx, authorURI, ownerUID, network)
		if err != nil {
			return nil, fmt.Errorf("create contact for %s: %w", authorURI, err)
		}
		r.logger.Info("Created contact from introduction",
			zap.String("author", authorURI),
			zap.Int64("owner", ownerUID),
			zap.Int64("contact", c.ID))
		return r.check(c, mode)
	}

	c, err := r.find(ctx, authorURI, 0)
	if err != nil {
		return nil, err
	}

	// Private traffic needs the recipient's own contact. The global record
	// only contributes its block.
	if mode == ModePrivate {
		if c != nil && c.Blocked {
			return nil, ErrBlocked
		}
		return nil, fmt.Errorf("%w: no contact for %s", ErrRelationshipRequired, authorURI)
	}
	if c != nil {
		return r.check(c, ModePublic)
	}

	c, err = r.store.CreateContact(ctx, authorURI, 0, network)
	if err != nil {
		return nil, fmt.Errorf("create placeholder contact for %s: %w", authorURI, err)
	}
	r.logger.Debug("Created placeholder contact", zap.String("author", authorURI), zap.Int64("contact", c.ID))
	return r.check(c, ModePublic)
}

func (r *Resolver) find(ctx context.Context, authorURI string, ownerUID int64) (*types.Contact, error) {
	c, err := r.store.FindContact(ctx, authorURI, ownerUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find contact %s for %d: %w", authorURI, ownerUID, err)
	}
	return c, nil
}

// check applies the blocked and pending policy to a found contact
func (r *Resolver) check(c *types.Contact, mode Mode) (*types.Contact, error) {
	if c.Blocked {
		return nil, ErrBlocked
	}
	if mode == ModePrivate && c.Pending {
		return nil, fmt.Errorf("%w: contact %d is pending", ErrRelationshipRequired, c.ID)
	}
	return c, nil
}
