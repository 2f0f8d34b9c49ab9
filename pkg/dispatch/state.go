package dispatch

import (
	"courier/pkg/types"
)

// State is a step of the per-message receive pipeline
type State int

const (
	StateReceived State = iota
	StateParsed
	StateVerified
	StateContactResolved
	StateDuplicateChecked
	StateApplied
	StateRejectedParse
	StateRejectedSignature
	StateRejectedContact
	StateSkippedDuplicate
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateParsed:
		return "parsed"
	case StateVerified:
		return "verified"
	case StateContactResolved:
		return "contact_resolved"
	case StateDuplicateChecked:
		return "duplicate_checked"
	case StateApplied:
		return "applied"
	case StateRejectedParse:
		return "rejected_parse"
	case StateRejectedSignature:
		return "rejected_signature"
	case StateRejectedContact:
		return "rejected_contact"
	case StateSkippedDuplicate:
		return "skipped_duplicate"
	default:
		return "unknown"
	}
}

// Terminal reports whether processing stops in this state
func (s State) Terminal() bool {
	switch s {
	case StateApplied, StateRejectedParse, StateRejectedSignature, StateRejectedContact, StateSkippedDuplicate:
		return true
	}
	return false
}

// Accepted reports whether the sender should see a success response.
// Blocked senders and duplicates look exactly like applied messages.
func (s State) Accepted() bool {
	return s == StateApplied || s == StateSkippedDuplicate || s == StateRejectedContact
}

// Reasons recorded on rejected outcomes. They are for logs only and never
// reach the remote peer.
const (
	ReasonMalformed            = "malformed"
	ReasonUnrecognized         = "unrecognized_format"
	ReasonProtocolDisabled     = "protocol_disabled"
	ReasonUnsupportedType      = "unsupported_type"
	ReasonRequiresPrivate      = "requires_private"
	ReasonAuthorMismatch       = "author_mismatch"
	ReasonMissingGUID          = "missing_guid"
	ReasonUnsupportedAlg       = "unsupported_alg"
	ReasonKeyUnavailable       = "key_unavailable"
	ReasonKeyTimeout           = "key_timeout"
	ReasonBadSignature         = "bad_signature"
	ReasonBadAuthorSignature   = "bad_author_signature"
	ReasonKeyMismatch          = "key_mismatch"
	ReasonBlocked              = "blocked"
	ReasonRelationshipRequired = "relationship_required"
	ReasonUnknownRecipient     = "unknown_recipient"
	ReasonDuplicate            = "duplicate"
)

// Outcome is the terminal result of one delivery
type Outcome struct {
	State   State
	Message *types.VerifiedMessage
	Variant string
	Reason  string
	// Err carries a typed cause for rejections the sender may retry,
	// such as a key resolution timeout.
	Err error
}
