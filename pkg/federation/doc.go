// Package federation holds the identity and document primitives shared by the
// federation protocols: account handles (alice@pod.example), link and URI
// normalization used to match authors against contacts, and a loosely typed
// XML tree for envelopes and feeds whose namespaces vary between servers.
package federation
