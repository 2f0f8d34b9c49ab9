package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"courier/pkg/federation"
	"courier/pkg/types"

	"go.uber.org/zap"
)

// ErrUntrustedFeed is returned when a feed arrives for a contact whose
// relationship does not entitle it to deliver unsigned content.
var ErrUntrustedFeed = errors.New("dispatch: feed source is not trusted")

// FeedResult counts what happened to the entries of one feed
type FeedResult struct {
	Applied    int
	Duplicates int
	Skipped    int
}

// ImportFeed applies the entries of an unsigned Atom or RSS feed pushed by a
// hub or pulled by the poller. Feeds carry no signature, so trust comes from
// the owner's relationship with the contact, and only entries written by the
// contact are taken.
func (d *Dispatcher) ImportFeed(ctx context.Context, owner *types.User, contact *types.Contact, feed []byte) (FeedResult, error) {
	var res FeedResult
	if err := feedTrusted(owner, contact); err != nil {
		return res, err
	}

	root, err := federation.ParseNode(feed)
	if err != nil {
		return res, fmt.Errorf("parse feed for contact %d: %w", contact.ID, err)
	}
	d.metrics.ObserveEnvelope(string(types.FormatFeed))

	entries, err := feedEntries(root)
	if err != nil {
		return res, fmt.Errorf("feed for contact %d: %w", contact.ID, err)
	}

	for _, e := range entries {
		if e.Author == "" {
			e.Author = contact.URI
		}
		if !sameAuthor(e.Author, contact.URI) || e.Kind.RequiresPrivate() {
			res.Skipped++
			continue
		}

		msg := &types.VerifiedMessage{
			Author:         contact.URI,
			Kind:           e.Kind,
			GUID:           e.GUID,
			ParentGUID:     e.ParentGUID,
			Payload:        e.Payload,
			TargetUserID:   owner.ID,
			Format:         types.FormatFeed,
			ContactID:      contact.ID,
			KeyFingerprint: "relationship:" + strconv.FormatInt(contact.ID, 10),
		}

		state, err := d.applyFeedEntry(ctx, msg)
		d.metrics.ObserveOutcome(state.String())
		if err != nil {
			return res, err
		}
		if state == StateApplied {
			res.Applied++
		} else {
			res.Duplicates++
		}
	}

	d.logger.Debug("Imported feed",
		zap.Int64("owner", owner.ID),
		zap.Int64("contact", contact.ID),
		zap.Int("applied", res.Applied),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

func (d *Dispatcher) applyFeedEntry(ctx context.Context, msg *types.VerifiedMessage) (State, error) {
	fresh, err := d.ledger.CheckAndReserve(ctx, msg.TargetUserID, msg.GUID)
	if err != nil {
		return StateContactResolved, fmt.Errorf("reserve %s: %w", msg.GUID, err)
	}
	if !fresh {
		return StateSkippedDuplicate, nil
	}
	if err := d.store.ApplyMessage(ctx, msg); err != nil {
		if rerr := d.ledger.Release(ctx, msg.TargetUserID, msg.GUID); rerr != nil {
			d.logger.Warn("Failed to release reservation", zap.String("guid", msg.GUID), zap.Error(rerr))
		}
		return StateDuplicateChecked, fmt.Errorf("apply %s: %w", msg.GUID, err)
	}
	return StateApplied, nil
}

func feedTrusted(owner *types.User, c *types.Contact) error {
	switch {
	case owner == nil || c == nil:
		return fmt.Errorf("%w: missing owner or contact", ErrUntrustedFeed)
	case owner.Blocked:
		return fmt.Errorf("%w: owner %d is blocked", ErrUntrustedFeed, owner.ID)
	case c.OwnerUserID != owner.ID:
		return fmt.Errorf("%w: contact %d belongs to %d", ErrUntrustedFeed, c.ID, c.OwnerUserID)
	case c.Blocked || c.Pending:
		return fmt.Errorf("%w: contact %d is blocked or pending", ErrUntrustedFeed, c.ID)
	case c.Relationship == types.RelSharing || c.Relationship == types.RelFriend || c.Network == types.NetworkFeed:
		return nil
	}
	return fmt.Errorf("%w: contact %d relationship is %s", ErrUntrustedFeed, c.ID, c.Relationship)
}

// feedEntries maps Atom entries or RSS items. Entries that cannot be mapped
// are dropped so one odd entry does not stall the rest of the feed.
func feedEntries(root *federation.Node) ([]*entity, error) {
	var out []*entity
	switch root.Name() {
	case "feed":
		feedAuthor := root.Path("author", "uri").Value()
		for _, c := range root.Children {
			if c.Name() != "entry" {
				continue
			}
			if e, err := atomEntry(c, feedAuthor); err == nil {
				out = append(out, e)
			}
		}
	case "rss":
		channel := root.Child("channel")
		if channel == nil {
			return nil, fmt.Errorf("%w: rss without channel", errUnsupportedType)
		}
		for _, c := range channel.Children {
			if c.Name() != "item" {
				continue
			}
			if e := rssItem(c); e != nil {
				out = append(out, e)
			}
		}
	default:
		return nil, fmt.Errorf("%w: feed root %q", errUnsupportedType, root.Name())
	}
	return out, nil
}

func rssItem(item *federation.Node) *entity {
	guid := item.ChildValue("guid")
	if guid == "" {
		guid = item.ChildValue("link")
	}
	if guid == "" {
		return nil
	}
	return &entity{
		Kind: types.KindPost,
		GUID: guid,
		Payload: types.Payload{
			Type: "item",
			Fields: map[string]string{
				"title": item.ChildValue("title"),
				"link":  item.ChildValue("link"),
			},
			Body: item.ChildValue("description"),
		},
	}
}
