// Package static provides a credential from configured cookies, for sessions
// obtained out of band.
package static

import (
	"context"
	"net/http"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

// Provider returns the same cookies on every call.
type Provider struct {
	cookies map[string]string
	header  http.Header
	clock   harvest.Clock
}

// New builds a Provider.
func New(cookies map[string]string, header http.Header, clock harvest.Clock) *Provider {
	return &Provider{cookies: cookies, header: header, clock: clock}
}

// Acquire fails with ErrCredentialUnavailable when no cookies are configured.
func (p *Provider) Acquire(_ context.Context) (harvest.SessionCredential, error) {
	if len(p.cookies) == 0 {
		return harvest.SessionCredential{}, &harvest.CredentialError{Provider: "static", Attempts: 1}
	}
	return harvest.NewSessionCredential(p.cookies, p.header, p.clock.Now()), nil
}
