// Package pubsub implements both ends of PubSubHubbub 0.4: the subscriber
// callback for remote hubs, the hub for local feeds, and a polling fallback
// for contacts without a hub.
package pubsub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"courier/pkg/types"
)

var (
	// ErrRejected covers every refusal a remote party may see. The server
	// answers it with 404 and nothing else.
	ErrRejected = errors.New("pubsub: request rejected")
	// ErrPublicBlocked is returned by the hub while public access is off.
	ErrPublicBlocked = errors.New("pubsub: public access is blocked")
)

const (
	verifySync      = "sync"
	maxChallengeLen = 1 << 12
	contentTypeForm = "application/x-www-form-urlencoded"
	contentTypeAtom = "application/atom+xml"
	userAgent       = "courier-pubsub/1.0"
)

// Store is the storage surface used by the subscriber, the hub and the poller
type Store interface {
	GetUser(ctx context.Context, uid int64) (*types.User, error)
	GetUserByNickname(ctx context.Context, nickname string) (*types.User, error)
	GetContact(ctx context.Context, id int64) (*types.Contact, error)
	SetHubVerifyToken(ctx context.Context, id int64, token string) error
	SetHubSubscribed(ctx context.Context, id int64, subscribed bool) error
	ListPollableContacts(ctx context.Context) ([]types.Contact, error)

	GetContactLease(ctx context.Context, contactID int64) (*types.SubscriptionLease, error)
	ListSubscriptionLeases(ctx context.Context, ownerUID int64) ([]types.SubscriptionLease, error)
	UpsertSubscriptionLease(ctx context.Context, lease *types.SubscriptionLease) (*types.SubscriptionLease, error)
	DeleteSubscriptionLease(ctx context.Context, callbackURL string) (bool, error)
	RecordPushResult(ctx context.Context, id int64, delivered bool) error
}

func defaultClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func success(code int) bool {
	return code >= 200 && code <= 299
}

// leaseExpiry returns the expiry for a lease granted at now. Zero seconds
// means the lease never expires.
func leaseExpiry(now time.Time, seconds int) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(seconds) * time.Second)
}
