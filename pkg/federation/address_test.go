package federation

import (
	"strings"
	"testing"
)

func TestParseHandle(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		want      *Handle
		wantError bool
		errorMsg  string
	}{
		{
			name:  "plain handle",
			input: "alice@pod.example.org",
			want:  &Handle{User: "alice", Host: "pod.example.org"},
		},
		{
			name:  "acct scheme",
			input: "acct:bob@social.example",
			want:  &Handle{User: "bob", Host: "social.example"},
		},
		{
			name:  "host is lowercased",
			input: "Carol@Pod.Example.ORG",
			want:  &Handle{User: "Carol", Host: "pod.example.org"},
		},
		{
			name:      "empty",
			input:     "",
			wantError: true,
			errorMsg:  "cannot be empty",
		},
		{
			name:      "no at sign",
			input:     "alice.example.org",
			wantError: true,
			errorMsg:  "exactly one @",
		},
		{
			name:      "two at signs",
			input:     "alice@bob@example.org",
			wantError: true,
			errorMsg:  "exactly one @",
		},
		{
			name:      "empty user",
			input:     "@example.org",
			wantError: true,
			errorMsg:  "user part cannot be empty",
		},
		{
			name:      "url is not a handle",
			input:     "https://example.org/users/alice@x",
			wantError: true,
			errorMsg:  "contains a path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHandle(tt.input)
			if tt.wantError {
				if err == nil {
					t.Fatalf("ParseHandle(%q) expected error, got nil", tt.input)
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("ParseHandle(%q) error = %v, want containing %q", tt.input, err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHandle(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseHandle(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestHandleResource(t *testing.T) {
	h := &Handle{User: "alice", Host: "pod.example.org"}
	if got := h.Resource(); got != "acct:alice@pod.example.org" {
		t.Errorf("Resource() = %q", got)
	}
	var nilHandle *Handle
	if nilHandle.String() != "" {
		t.Error("nil handle should stringify to empty")
	}
}

func TestCompareLink(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"https://example.org/profile/alice", "http://example.org/profile/alice", true},
		{"http://www.example.org/feed/", "http://example.org/feed", true},
		{"HTTP://Example.org/Feed", "http://example.org/feed", true},
		{"http://example.org/feed/alice", "http://example.org/feed/bob", false},
		{"http://example.org/dfrn_poll/alice", "http://example.org/feed/alice", false},
	}

	for _, tt := range tests {
		if got := CompareLink(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareLink(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNormalizeURI(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"alice@Pod.Example.org", "acct:alice@pod.example.org"},
		{"acct:Alice@pod.example.org", "acct:alice@pod.example.org"},
		{"https://www.example.org/users/alice/", "http://example.org/users/alice"},
	}

	for _, tt := range tests {
		if got := NormalizeURI(tt.input); got != tt.want {
			t.Errorf("NormalizeURI(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestHostOf(t *testing.T) {
	host, err := HostOf("alice@pod.example.org")
	if err != nil || host != "pod.example.org" {
		t.Errorf("HostOf(handle) = %q, %v", host, err)
	}

	host, err = HostOf("https://Social.Example/users/bob")
	if err != nil || host != "social.example" {
		t.Errorf("HostOf(url) = %q, %v", host, err)
	}

	if _, err := HostOf("not a uri"); err == nil {
		t.Error("expected error for uri without host")
	}
}

func TestBasename(t *testing.T) {
	if got := Basename("https://example.org/api/statuses/user_timeline/alice.atom", ".atom"); got != "alice" {
		t.Errorf("Basename = %q", got)
	}
	if got := Basename("alice", ".atom"); got != "alice" {
		t.Errorf("Basename(bare) = %q", got)
	}
}

func TestParseNodeLookups(t *testing.T) {
	raw := []byte(`<?xml version="1.0"?>
<me:env xmlns:me="http://salmon-protocol.org/ns/magic-env">
  <me:data type="application/atom+xml">Zm9v</me:data>
  <me:sig key_id="abc">c2ln</me:sig>
</me:env>`)

	n, err := ParseNode(raw)
	if err != nil {
		t.Fatalf("ParseNode: %v", err)
	}
	if n.Name() != "env" || n.XMLName.Space != NamespaceMagicEnv {
		t.Errorf("root = %v", n.XMLName)
	}
	if n.ChildValue("data") != "Zm9v" {
		t.Errorf("data = %q", n.ChildValue("data"))
	}
	if n.Child("data").Attr("type") != "application/atom+xml" {
		t.Errorf("type attr = %q", n.Child("data").Attr("type"))
	}
	if n.Path("sig").Attr("key_id") != "abc" {
		t.Error("sig key_id not found")
	}
	if n.Find("missing") != nil {
		t.Error("expected nil for missing element")
	}

	if _, err := ParseNode([]byte(`{"json": true}`)); err == nil {
		t.Error("expected JSON input to be rejected")
	}
	if _, err := ParseNode([]byte(`<open><unclosed></open>`)); err == nil {
		t.Error("expected malformed XML to be rejected")
	}
}
