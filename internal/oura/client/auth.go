package client

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is the vendor's OAuth2 token endpoint.
const DefaultTokenURL = "https://api.ouraring.com/oauth/token"

// Auth selects how requests are authorized. Exactly one of AccessToken or
// RefreshToken must be set.
type Auth struct {
	// AccessToken is a personal access token sent as-is.
	AccessToken string

	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

var errNoCredentials = errors.New("no access token or refresh token configured")

// TokenSource returns a static source for a personal access token or a
// refreshing source for OAuth2 credentials.
func (a Auth) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	switch {
	case a.AccessToken != "" && a.RefreshToken != "":
		return nil, errors.New("both access token and refresh token configured")
	case a.AccessToken != "":
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.AccessToken, TokenType: "Bearer"}), nil
	case a.RefreshToken != "":
		tokenURL := a.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		cfg := &oauth2.Config{
			ClientID:     a.ClientID,
			ClientSecret: a.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		}
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: a.RefreshToken}), nil
	default:
		return nil, errNoCredentials
	}
}

// NewHTTPClient builds an HTTP client that authorizes every request with
// tokens from ts.
func NewHTTPClient(ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, ts),
			Base:   http.DefaultTransport,
		},
	}
}
