package types

import (
	"time"
)

type Format string

const (
	FormatMagicEnvelope Format = "magic_envelope"
	FormatLegacyXML     Format = "legacy_xml"
	FormatDiasporaRaw   Format = "diaspora_raw"
	FormatFeed          Format = "feed" // unsigned Atom pushed by a hub or pulled by the poller
)

type Algorithm string

const (
	AlgRSASHA256 Algorithm = "RSA-SHA256"
	AlgUnknown   Algorithm = ""
)

type MessageKind string

const (
	KindPost          MessageKind = "post"
	KindComment       MessageKind = "comment"
	KindLike          MessageKind = "like"
	KindShare         MessageKind = "share"
	KindRetraction    MessageKind = "retraction"
	KindProfileUpdate MessageKind = "profile_update"
	KindFollow        MessageKind = "follow"
	KindUnfollow      MessageKind = "unfollow"
)

// RequiresPrivate reports whether a kind is only accepted on user-targeted delivery.
func (k MessageKind) RequiresPrivate() bool {
	switch k {
	case KindProfileUpdate, KindFollow, KindUnfollow:
		return true
	}
	return false
}

type Network string

const (
	NetworkDFRN     Network = "dfrn"
	NetworkDiaspora Network = "dspr"
	NetworkOStatus  Network = "stat"
	NetworkFeed     Network = "feed"
)

type Relationship int

const (
	RelNone Relationship = iota
	RelFollower
	RelSharing
	RelFriend
)

func (r Relationship) String() string {
	switch r {
	case RelFollower:
		return "follower"
	case RelSharing:
		return "sharing"
	case RelFriend:
		return "friend"
	default:
		return "none"
	}
}

type SubscriptionMode string

const (
	ModeSubscribe   SubscriptionMode = "subscribe"
	ModeUnsubscribe SubscriptionMode = "unsubscribe"
)

// SignedVariant is one candidate reconstruction of the string a remote signed.
type SignedVariant struct {
	Name string
	Text []byte
}

// RemoteMessage is an envelope as it came off the wire, before any verification.
type RemoteMessage struct {
	Format         Format
	RawPayload     []byte
	Data           string // base64url payload as transmitted, whitespace stripped
	DataType       string
	Encoding       string
	Alg            string
	DeclaredAuthor string
	KeyHash        string
	Signature      []byte
	SignedVariants []SignedVariant
	Private        bool

	// Legacy private envelopes carry an inner AES layer around the data.
	InnerKey []byte
	InnerIV  []byte
}

// Payload is the decoded body of a verified message.
type Payload struct {
	Type   string
	Fields map[string]string
	Body   string
	Raw    []byte
}

func (p Payload) Field(name string) string {
	if p.Fields == nil {
		return ""
	}
	return p.Fields[name]
}

// VerifiedMessage is produced by the dispatcher once the signature has been checked.
// KeyFingerprint is only set by the dispatcher and marks the message as verified.
type VerifiedMessage struct {
	Author         string
	Kind           MessageKind
	GUID           string
	ParentGUID     string
	Payload        Payload
	TargetUserID   int64 // 0 = public relay
	Format         Format
	ContactID      int64
	KeyFingerprint string
}

func (m *VerifiedMessage) Verified() bool {
	return m != nil && m.KeyFingerprint != ""
}

type RemoteKey struct {
	OwnerURI  string
	KeyHash   string
	Modulus   []byte
	Exponent  []byte
	PEM       string
	FetchedAt time.Time
}

type Contact struct {
	ID              int64
	OwnerUserID     int64 // 0 = global/public
	URI             string
	NormalizedURL   string
	Addr            string
	Name            string
	Network         Network
	Relationship    Relationship
	Blocked         bool
	Pending         bool
	PublicKey       string
	PollURL         string
	HubVerifyToken  string
	SubscribedToHub bool
	GUID            string
	CreatedAt       time.Time
}

type SubscriptionLease struct {
	ID                int64
	OwnerUserID       int64
	ContactID         int64 // set when we are the subscriber
	Nickname          string
	RemoteCallbackURL string
	TopicURL          string
	Secret            string
	VerifyToken       string
	Mode              SubscriptionMode
	LeaseExpiresAt    time.Time
	LastUpdate        time.Time
	Renewed           time.Time
	PushFailures      int
}

// Active reports whether the lease still entitles the holder to pushes at t.
func (l *SubscriptionLease) Active(t time.Time) bool {
	if l == nil || l.Mode != ModeSubscribe {
		return false
	}
	return l.LeaseExpiresAt.IsZero() || t.Before(l.LeaseExpiresAt)
}

type ProcessedGuidRecord struct {
	RecipientUserID int64
	GUID            string
	ProcessedAt     time.Time
}

type User struct {
	ID            int64
	GUID          string
	Nickname      string
	PrivateKeyPEM string
	PublicKeyPEM  string
	Blocked       bool
	CreatedAt     time.Time
}

type Item struct {
	ID         int64
	UserID     int64
	GUID       string
	ParentGUID string
	Author     string
	Kind       MessageKind
	Body       string
	ContactID  int64
	Deleted    bool
	Received   time.Time
}
