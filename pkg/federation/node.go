package federation

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

const (
	NamespaceMagicEnv = "http://salmon-protocol.org/ns/magic-env"
	NamespaceDiaspora = "https://joindiaspora.com/protocol"
	NamespaceAtom     = "http://www.w3.org/2005/Atom"
	NamespaceActivity = "http://activitystrea.ms/spec/1.0/"
	NamespaceThread   = "http://purl.org/syndication/thread/1.0"
)

// Node is a loosely typed XML element. Remote servers disagree on namespaces
// and nesting, so lookups go by local name.
type Node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []*Node    `xml:",any"`
}

// ParseNode parses raw bytes into a tree. Doctype and entity tricks are
// refused by the decoder's strict mode.
func ParseNode(raw []byte) (*Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '<' {
		return nil, fmt.Errorf("not an XML document")
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = true
	var n Node
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("decode XML: %w", err)
	}
	return &n, nil
}

// Name returns the element's local name
func (n *Node) Name() string {
	if n == nil {
		return ""
	}
	return n.XMLName.Local
}

// Child returns the first direct child with the given local name
func (n *Node) Child(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return c
		}
	}
	return nil
}

// Path walks a chain of local names
func (n *Node) Path(names ...string) *Node {
	cur := n
	for _, name := range names {
		cur = cur.Child(name)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Find returns the first descendant (depth first) with the given local name
func (n *Node) Find(name string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return c
		}
		if found := c.Find(name); found != nil {
			return found
		}
	}
	return nil
}

// Attr returns an attribute value by local name
func (n *Node) Attr(name string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// Value returns the trimmed character data
func (n *Node) Value() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.Text)
}

// ChildValue returns the trimmed text of a direct child
func (n *Node) ChildValue(name string) string {
	return n.Child(name).Value()
}

// InnerXML re-encodes the children, used when a field carries markup
func (n *Node) InnerXML() string {
	if n == nil {
		return ""
	}
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	for _, c := range n.Children {
		_ = enc.Encode(c)
	}
	_ = enc.Flush()
	if buf.Len() == 0 {
		return n.Value()
	}
	return buf.String()
}
