// Package origin implements the browser Origin policy shared by the HTTP API
// (CORS) and the signaling WebSocket upgrade.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates a browser Origin header value and returns it as
// scheme://host[:port] together with the host[:port] part. Scheme and host are
// lower-cased and default ports are dropped. The opaque origin "null" is
// accepted and returned unchanged with an empty host.
func Normalize(header string) (normalized string, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy decides which origins may talk to the server.
//
// With an empty allow-list only same-host requests are allowed: the Origin's
// host[:port] must equal the request Host. Schemes are not compared because a
// TLS-terminating proxy makes https browsers look like http requests.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy builds a policy from an allow-list of origins. "*" allows every
// origin. Entries are normalized; an entry that is not a valid origin is an
// error.
func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.any = true
			continue
		}
		normalized, _, ok := Normalize(raw)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", raw)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// Allows reports whether a request for requestHost carrying the Origin header
// value header may proceed. It returns the normalized origin on success.
func (p *Policy) Allows(header, requestHost string) (string, bool) {
	normalized, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	if p == nil || (!p.any && len(p.allowed) == 0) {
		return normalized, sameHost(normalized, host, requestHost)
	}
	if p.any {
		return normalized, true
	}
	_, ok = p.allowed[normalized]
	return normalized, ok
}

// CheckRequest is suitable as a websocket.Upgrader CheckOrigin function.
// Requests without an Origin header come from non-browser clients and are
// allowed; repeated Origin headers are refused.
func (p *Policy) CheckRequest(r *http.Request) bool {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return true
	case 1:
		_, ok := p.Allows(values[0], r.Host)
		return ok
	default:
		return false
	}
}

func sameHost(normalized, originHost, requestHost string) bool {
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		// "null" never matches a host.
		return false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// canonicalHost lower-cases an authority host[:port], validates the port and
// drops it when it is the scheme default. IPv6 literals keep their brackets.
func canonicalHost(authority, scheme string) (string, bool) {
	hostname, port, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
		return "", false
	}

	var n uint64
	if port != "" {
		var err error
		n, err = strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
	}
	if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
		n = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if n != 0 {
		host += ":" + strconv.FormatUint(n, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. The hostname is returned without IPv6
// brackets and the port is returned unvalidated.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname, rest := authority[1:end], authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}
	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 is not a valid authority.
		return "", "", false
	}
}
