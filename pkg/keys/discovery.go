package keys

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"courier/pkg/federation"

	"go.uber.org/zap"
)

const (
	relMagicPublicKey    = "magic-public-key"
	relDiasporaPublicKey = "diaspora-public-key"
	relLRDD              = "lrdd"

	maxDiscoveryBody = 1 << 20
)

var errNoDocument = errors.New("no discovery document")

// link is the subset of a JRD/XRD link the resolver reads
type link struct {
	Rel      string `json:"rel" xml:"rel,attr"`
	Type     string `json:"type,omitempty" xml:"type,attr"`
	Href     string `json:"href,omitempty" xml:"href,attr"`
	Template string `json:"template,omitempty" xml:"template,attr"`
}

type jrd struct {
	Subject string `json:"subject"`
	Links   []link `json:"links"`
}

type xrd struct {
	XMLName xml.Name `xml:"XRD"`
	Subject string   `xml:"Subject"`
	Links   []link   `xml:"Link"`
}

// discoveryTarget returns the base URL to query and the WebFinger resource
// for an author identity.
func discoveryTarget(authorURI string) (base, resource string, err error) {
	if h, err := federation.ParseHandle(authorURI); err == nil {
		return "https://" + h.Host, h.Resource(), nil
	}
	u, err := url.Parse(strings.TrimSpace(authorURI))
	if err != nil || u.Host == "" {
		return "", "", fmt.Errorf("cannot discover keys for %q", authorURI)
	}
	scheme := u.Scheme
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	return scheme + "://" + u.Host, authorURI, nil
}

// discoverLinks fetches the author's links through WebFinger, falling back to
// the host-meta LRDD template.
func (r *Resolver) discoverLinks(ctx context.Context, authorURI string) ([]link, error) {
	base, resource, err := discoveryTarget(authorURI)
	if err != nil {
		return nil, err
	}

	webfinger := base + "/.well-known/webfinger?resource=" + url.QueryEscape(resource)
	links, err := r.fetchLinks(ctx, webfinger)
	if err == nil && len(links) > 0 {
		return links, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	r.logger.Debug("WebFinger lookup failed, trying host-meta", zap.String("uri", authorURI), zap.Error(err))

	meta, err := r.fetchLinks(ctx, base+"/.well-known/host-meta")
	if err != nil {
		return nil, fmt.Errorf("host-meta for %s: %w", base, err)
	}
	for _, l := range meta {
		if l.Rel != relLRDD || l.Template == "" {
			continue
		}
		target := strings.ReplaceAll(l.Template, "{uri}", url.QueryEscape(resource))
		links, err := r.fetchLinks(ctx, target)
		if err == nil && len(links) > 0 {
			return links, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("discover %q: %w", authorURI, errNoDocument)
}

// fetchLinks GETs a JRD or XRD document and returns its links
func (r *Resolver) fetchLinks(ctx context.Context, target string) ([]link, error) {
	body, err := r.get(ctx, target, "application/jrd+json, application/xrd+xml;q=0.9")
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(trimmed, "{"):
		var doc jrd
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode JRD from %s: %w", target, err)
		}
		return doc.Links, nil
	case strings.HasPrefix(trimmed, "<"):
		var doc xrd
		if err := xml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decode XRD from %s: %w", target, err)
		}
		return doc.Links, nil
	default:
		return nil, fmt.Errorf("%s: %w", target, errNoDocument)
	}
}

func (r *Resolver) get(ctx context.Context, target, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", target, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	return body, nil
}

// keyMaterial returns the raw key strings advertised by the links. Magic key
// links may point at a URL instead of carrying a data: URI.
func (r *Resolver) keyMaterial(ctx context.Context, links []link) []string {
	var out []string
	for _, l := range links {
		switch l.Rel {
		case relMagicPublicKey:
			href := strings.TrimSpace(l.Href)
			if href == "" {
				continue
			}
			if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
				body, err := r.get(ctx, href, "")
				if err != nil {
					r.logger.Debug("Failed to fetch magic key", zap.String("uri", href), zap.Error(err))
					continue
				}
				href = string(body)
			}
			out = append(out, href)
		case relDiasporaPublicKey:
			if href := strings.TrimSpace(l.Href); href != "" {
				out = append(out, href)
			}
		}
	}
	return out
}
