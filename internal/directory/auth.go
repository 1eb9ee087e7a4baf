// Package directory talks to the Microsoft identity platform: the Graph API
// for principals, groups and roles, and Azure Resource Manager for the
// activity log. Both authenticate with the client-credentials flow.
package directory

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// OAuth scopes for the two APIs.
const (
	GraphScope = "https://graph.microsoft.com/.default"
	ARMScope   = "https://management.azure.com/.default"
)

const (
	defaultAuthorityURL = "https://login.microsoftonline.com"
	defaultHTTPTimeout  = 60 * time.Second
)

// Credentials identifies the application registration used for both APIs.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	AuthorityURL string // defaults to the public cloud login endpoint
}

// Configured reports whether enough is set to request tokens.
func (c Credentials) Configured() bool {
	return c.TenantID != "" && c.ClientID != "" && c.ClientSecret != ""
}

// TokenURL returns the v2 token endpoint for the tenant.
func (c Credentials) TokenURL() string {
	authority := c.AuthorityURL
	if authority == "" {
		authority = defaultAuthorityURL
	}
	return strings.TrimRight(authority, "/") + "/" + c.TenantID + "/oauth2/v2.0/token"
}

// HTTPClient returns a client that attaches a bearer token for scope to every
// request. Tokens are cached and refreshed by the oauth2 transport. Without
// credentials a plain client is returned, which is what tests and local
// mocks use.
func (c Credentials) HTTPClient(ctx context.Context, scope string) *http.Client {
	if !c.Configured() {
		return &http.Client{Timeout: defaultHTTPTimeout}
	}
	cfg := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.TokenURL(),
		Scopes:       []string{scope},
	}
	client := cfg.Client(ctx)
	client.Timeout = defaultHTTPTimeout
	return client
}
