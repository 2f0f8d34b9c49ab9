package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"courier/pkg/federation"
	"courier/pkg/types"
)

var (
	errUnsupportedType = errors.New("unsupported message type")
	errMissingGUID     = errors.New("message has no guid")
)

// entity is a decoded payload before it is bound to a verified author
type entity struct {
	Kind       types.MessageKind
	GUID       string
	ParentGUID string
	Author     string // author named inside the payload, may be empty
	Payload    types.Payload

	// Relayables carry the inner author's signature over the joined fields
	Relayable             bool
	SignedData            string
	AuthorSignature       string
	ParentAuthorSignature string
}

// Renames applied to entities in the old <XML><post> wrapper
var legacyFieldNames = map[string]string{
	"diaspora_handle":     "author",
	"participant_handles": "participants",
	"sender_handle":       "author",
	"recipient_handle":    "recipient",
	"root_diaspora_id":    "root_author",
}

var signatureFields = map[string]bool{
	"author_signature":        true,
	"parent_author_signature": true,
	"target_author_signature": true,
}

// decodeDiaspora reads a Diaspora entity in the current or the old wrapped form
func decodeDiaspora(payload []byte) (*entity, error) {
	root, err := federation.ParseNode(payload)
	if err != nil {
		return nil, err
	}

	element := root
	legacy := root.Name() == "XML"
	if legacy {
		post := root.Child("post")
		if post == nil || len(post.Children) == 0 {
			return nil, fmt.Errorf("legacy entity without post")
		}
		element = post.Children[len(post.Children)-1]
	}

	origType := element.Name()
	typ := origType
	switch typ {
	case "signed_retraction", "relayable_retraction":
		typ = "retraction"
	case "request":
		typ = "contact"
	}

	e := &entity{Payload: types.Payload{Type: typ, Fields: make(map[string]string), Raw: payload}}
	var signed []string
	for _, child := range element.Children {
		name := child.Name()
		if legacy {
			name = legacyFieldName(typ, name)
		}

		switch {
		case name == "author_signature":
			e.AuthorSignature = child.Value()
		case name == "parent_author_signature":
			e.ParentAuthorSignature = child.Value()
		case !signatureFields[name]:
			signed = append(signed, child.Value())
		}
		if !signatureFields[name] || origType == "relayable_retraction" {
			e.Payload.Fields[name] = child.Value()
		}
	}
	e.SignedData = strings.Join(signed, ";")
	e.Author = e.Payload.Field("author")

	f := e.Payload.Field
	switch typ {
	case "status_message":
		e.Kind = types.KindPost
		e.GUID = f("guid")
		e.Payload.Body = f("text")
	case "comment":
		e.Kind = types.KindComment
		e.GUID = f("guid")
		e.ParentGUID = f("parent_guid")
		e.Payload.Body = f("text")
		e.Relayable = true
	case "like":
		e.Kind = types.KindLike
		e.GUID = f("guid")
		e.ParentGUID = f("parent_guid")
		e.Relayable = true
	case "reshare":
		e.Kind = types.KindShare
		e.GUID = f("guid")
		e.ParentGUID = f("root_guid")
	case "retraction":
		e.Kind = types.KindRetraction
		e.ParentGUID = f("target_guid")
		if e.ParentGUID == "" {
			return nil, errMissingGUID
		}
		e.GUID = "retraction:" + e.ParentGUID
	case "profile":
		e.Kind = types.KindProfileUpdate
		name := f("full_name")
		if name == "" {
			name = strings.TrimSpace(f("first_name") + " " + f("last_name"))
		}
		e.Payload.Fields["name"] = name
		e.GUID = contentGUID(typ, payload)
	case "contact":
		e.Kind = types.KindFollow
		if !flag(f("following"), true) && !flag(f("sharing"), true) {
			e.Kind = types.KindUnfollow
		}
		e.GUID = contentGUID(typ, payload)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedType, origType)
	}

	if e.GUID == "" {
		return nil, errMissingGUID
	}
	return e, nil
}

func legacyFieldName(typ, name string) string {
	if renamed, ok := legacyFieldNames[name]; ok {
		return renamed
	}
	switch {
	case (typ == "like" || typ == "participation") && name == "target_type":
		return "parent_type"
	case typ == "status_message" && name == "raw_message":
		return "text"
	case typ == "retraction" && name == "post_guid":
		return "target_guid"
	case typ == "retraction" && name == "type":
		return "target_type"
	}
	return name
}

// decodeAtom reads a Salmon payload, which is a single Atom entry
func decodeAtom(payload []byte) (*entity, error) {
	root, err := federation.ParseNode(payload)
	if err != nil {
		return nil, err
	}
	if root.Name() != "entry" {
		return nil, fmt.Errorf("%w: atom root %q", errUnsupportedType, root.Name())
	}
	e, err := atomEntry(root, "")
	if err != nil {
		return nil, err
	}
	e.Payload.Raw = payload
	return e, nil
}

// atomEntry maps an Atom entry by its activity verb. fallbackAuthor is the
// feed-level author for entries that name none.
func atomEntry(entry *federation.Node, fallbackAuthor string) (*entity, error) {
	verb := lastSegment(entry.ChildValue("verb"))
	if verb == "" {
		verb = "post"
	}

	e := &entity{
		GUID:   entry.ChildValue("id"),
		Author: atomEntryAuthor(entry),
		Payload: types.Payload{
			Type:   verb,
			Fields: map[string]string{"title": entry.ChildValue("title")},
			Body:   entry.ChildValue("content"),
		},
	}
	if e.Author == "" {
		e.Author = fallbackAuthor
	}
	if e.Payload.Body == "" {
		e.Payload.Body = entry.ChildValue("summary")
	}
	objectID := entry.Path("object", "id").Value()
	inReplyTo := entry.Child("in-reply-to")

	switch verb {
	case "post":
		e.Kind = types.KindPost
		if inReplyTo != nil || lastSegment(entry.ChildValue("object-type")) == "comment" {
			e.Kind = types.KindComment
			e.ParentGUID = inReplyTo.Attr("ref")
		}
	case "share":
		e.Kind = types.KindShare
		e.ParentGUID = objectID
	case "favorite", "like":
		e.Kind = types.KindLike
		e.ParentGUID = objectID
	case "follow", "join":
		e.Kind = types.KindFollow
	case "unfollow", "stop-following", "leave":
		e.Kind = types.KindUnfollow
	case "delete":
		e.Kind = types.KindRetraction
		e.ParentGUID = objectID
		if e.ParentGUID == "" {
			e.ParentGUID = e.GUID
		}
		if e.ParentGUID == "" {
			return nil, errMissingGUID
		}
		e.GUID = "retraction:" + e.ParentGUID
	case "update-profile":
		e.Kind = types.KindProfileUpdate
		e.Payload.Fields["name"] = entry.Path("author", "name").Value()
	default:
		return nil, fmt.Errorf("%w: verb %s", errUnsupportedType, verb)
	}

	if e.GUID == "" {
		if e.Kind == types.KindFollow || e.Kind == types.KindUnfollow || e.Kind == types.KindProfileUpdate {
			e.GUID = contentGUID(verb, []byte(e.Author+"\n"+entry.InnerXML()))
		} else {
			return nil, errMissingGUID
		}
	}
	return e, nil
}

func atomEntryAuthor(entry *federation.Node) string {
	if uri := entry.Path("author", "uri").Value(); uri != "" {
		return uri
	}
	return entry.Path("actor", "uri").Value()
}

// contentGUID keys entities that carry no guid of their own, so a redelivery
// of the same bytes is still recognised.
func contentGUID(kind string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return kind + ":" + hex.EncodeToString(sum[:])
}

func lastSegment(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexAny(s, "/#"); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}

func flag(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	}
	return def
}

// sameAuthor compares two author identities the way remote servers send
// them: handles with or without acct:, URLs modulo scheme and www.
func sameAuthor(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return federation.NormalizeURI(a) == federation.NormalizeURI(b)
}
