// Package cookiejar provides a minimal per-resolution cookie store.
//
// Gateway chains hand out anti-bot tokens via Set-Cookie on intermediate
// hops and expect them echoed back on the next request. The jar models
// exactly that: name=value pairs accumulated across one resolution, no
// domain, path, or expiry scoping. A resolution is assumed to stay within
// one coherent redirect chain, so broader scoping buys nothing.
//
// The jar is request-scoped by construction. It is never shared across
// resolutions and therefore needs no locking.
package cookiejar

import "strings"

// Jar accumulates cookies across the hops of a single resolution.
// The zero value is not usable; call New.
type Jar struct {
	order  []string
	values map[string]string
}

// New creates an empty Jar.
func New() *Jar {
	return &Jar{values: make(map[string]string)}
}

// Set parses raw Set-Cookie header values and upserts each name/value
// pair. Only the text before the first ';' is considered; attributes
// (Path, Expires, ...) are ignored. Last write wins per name, insertion
// order is preserved for new names.
func (j *Jar) Set(headerValues []string) {
	for _, raw := range headerValues {
		pair := raw
		if idx := strings.IndexByte(pair, ';'); idx >= 0 {
			pair = pair[:idx]
		}
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			// No name or no '=' at all. Not a cookie we can echo back.
			continue
		}
		name := strings.TrimSpace(pair[:eq])
		value := strings.TrimSpace(pair[eq+1:])
		if name == "" {
			continue
		}
		if _, seen := j.values[name]; !seen {
			j.order = append(j.order, name)
		}
		j.values[name] = value
	}
}

// Header renders the accumulated cookies as a Cookie header value:
// name=value pairs joined by "; " in insertion order. Returns "" when
// the jar is empty.
func (j *Jar) Header() string {
	if len(j.order) == 0 {
		return ""
	}
	var b strings.Builder
	for i, name := range j.order {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(j.values[name])
	}
	return b.String()
}

// Len returns the number of distinct cookie names held.
func (j *Jar) Len() int {
	return len(j.order)
}

// Get returns the value stored for name and whether it is present.
func (j *Jar) Get(name string) (string, bool) {
	v, ok := j.values[name]
	return v, ok
}
