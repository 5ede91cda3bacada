package harvest

import (
	"net/http"
	"sort"
	"time"
)

// SessionCredential bundles session cookies with the static browser headers
// the registry expects. It is immutable; accessors return copies.
type SessionCredential struct {
	cookies    map[string]string
	header     http.Header
	acquiredAt time.Time
}

// NewSessionCredential copies cookies and headers into a new credential.
func NewSessionCredential(cookies map[string]string, header http.Header, acquiredAt time.Time) SessionCredential {
	c := SessionCredential{
		cookies:    make(map[string]string, len(cookies)),
		header:     header.Clone(),
		acquiredAt: acquiredAt,
	}
	for name, value := range cookies {
		c.cookies[name] = value
	}
	if c.header == nil {
		c.header = http.Header{}
	}
	return c
}

// Cookies returns the session cookies sorted by name.
func (c SessionCredential) Cookies() []*http.Cookie {
	names := make([]string, 0, len(c.cookies))
	for name := range c.cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		out = append(out, &http.Cookie{Name: name, Value: c.cookies[name]})
	}
	return out
}

// Cookie returns a single cookie value.
func (c SessionCredential) Cookie(name string) (string, bool) {
	v, ok := c.cookies[name]
	return v, ok
}

// Header returns a copy of the static request headers.
func (c SessionCredential) Header() http.Header {
	return c.header.Clone()
}

// AcquiredAt reports when the session was harvested.
func (c SessionCredential) AcquiredAt() time.Time {
	return c.acquiredAt
}

// Empty reports whether the credential carries no cookies.
func (c SessionCredential) Empty() bool {
	return len(c.cookies) == 0
}

// WithHeader returns a new credential with key set; the receiver is unchanged.
func (c SessionCredential) WithHeader(key, value string) SessionCredential {
	next := NewSessionCredential(c.cookies, c.header, c.acquiredAt)
	next.header.Set(key, value)
	return next
}
