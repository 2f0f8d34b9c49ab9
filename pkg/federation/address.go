package federation

import (
	"fmt"
	"net/url"
	"strings"
)

// Handle is a federated account address in user@host form
// Examples:
//   - alice@pod.example.org (Diaspora handle)
//   - acct:bob@social.example (WebFinger resource)
type Handle struct {
	User string
	Host string
}

// ParseHandle parses a handle with or without the acct: scheme
func ParseHandle(addr string) (*Handle, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("handle cannot be empty")
	}
	addr = strings.TrimPrefix(addr, "acct:")

	if strings.Contains(addr, "/") {
		return nil, fmt.Errorf("invalid handle %q: contains a path", addr)
	}

	parts := strings.Split(addr, "@")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid handle format: must contain exactly one @ symbol")
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("user part cannot be empty")
	}
	if parts[1] == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	if strings.ContainsAny(parts[0]+parts[1], " \t\r\n") {
		return nil, fmt.Errorf("invalid handle %q: contains whitespace", addr)
	}

	return &Handle{User: parts[0], Host: strings.ToLower(parts[1])}, nil
}

// IsHandle reports whether s looks like a user@host handle rather than a URL
func IsHandle(s string) bool {
	_, err := ParseHandle(s)
	return err == nil
}

// String returns the canonical user@host form
func (h *Handle) String() string {
	if h == nil {
		return ""
	}
	return fmt.Sprintf("%s@%s", h.User, h.Host)
}

// Resource returns the WebFinger resource for the handle
func (h *Handle) Resource() string {
	if h == nil {
		return ""
	}
	return "acct:" + h.String()
}

// Equal compares handles case-insensitively on the user part as well
func (h *Handle) Equal(other *Handle) bool {
	if h == nil && other == nil {
		return true
	}
	if h == nil || other == nil {
		return false
	}
	return strings.EqualFold(h.User, other.User) && h.Host == other.Host
}

// NormalizeLink folds the differences remote servers disagree on:
// https vs http, a leading www. and trailing slashes.
func NormalizeLink(link string) string {
	link = strings.Replace(link, "https:", "http:", 1)
	link = strings.Replace(link, "//www.", "//", 1)
	return strings.TrimRight(link, "/")
}

// CompareLink reports whether two links point at the same resource
func CompareLink(a, b string) bool {
	return strings.EqualFold(NormalizeLink(a), NormalizeLink(b))
}

// NormalizeURI returns the lookup key used for an author identity.
// Handles become acct:user@host, URLs go through NormalizeLink.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if h, err := ParseHandle(uri); err == nil {
		return strings.ToLower(h.Resource())
	}
	return strings.ToLower(NormalizeLink(uri))
}

// HostOf returns the host serving an author identity
func HostOf(uri string) (string, error) {
	if h, err := ParseHandle(uri); err == nil {
		return h.Host, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse author uri: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("author uri %q has no host", uri)
	}
	return strings.ToLower(u.Host), nil
}

// Basename returns the last path element of a topic URL with suffix removed
func Basename(topic, suffix string) string {
	topic = strings.TrimRight(topic, "/")
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		topic = topic[i+1:]
	}
	return strings.TrimSuffix(topic, suffix)
}
