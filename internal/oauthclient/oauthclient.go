// Package oauthclient implements §4.3.1: the provider capability table, the
// authorize-URL/code-exchange flow (OIDC with PKCE for apple/google/
// microsoft, plain OAuth2 for github), and external-identity extraction.
package oauthclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/circuitbreaker"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
)

// githubUserURL is a var, not a const, so tests can point it at an
// httptest server.
var githubUserURL = "https://api.github.com/user"

// Capability describes what a provider supports, per §4.3.1's table.
type Capability struct {
	OIDC          bool
	PKCE          bool
	DefaultScopes []string
	AuthURL       string
	TokenURL      string
	JWKSURL       string // only set for OIDC providers
}

// Capabilities is the fixed §4.3.1 provider table.
var Capabilities = map[string]Capability{
	"apple": {
		OIDC: true, PKCE: true,
		DefaultScopes: []string{"openid", "profile", "email"},
		AuthURL:       "https://appleid.apple.com/auth/authorize",
		TokenURL:      "https://appleid.apple.com/auth/token",
		JWKSURL:       "https://appleid.apple.com/auth/keys",
	},
	"google": {
		OIDC: true, PKCE: true,
		DefaultScopes: []string{"openid", "profile", "email"},
		AuthURL:       "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:      "https://oauth2.googleapis.com/token",
		JWKSURL:       "https://www.googleapis.com/oauth2/v3/certs",
	},
	"microsoft": {
		OIDC: true, PKCE: true,
		DefaultScopes: []string{"openid", "profile", "email"},
		AuthURL:       "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL:      "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		JWKSURL:       "https://login.microsoftonline.com/common/discovery/v2.0/keys",
	},
	"github": {
		OIDC: false, PKCE: false,
		DefaultScopes: []string{"user:email"},
		AuthURL:       "https://github.com/login/oauth/authorize",
		TokenURL:      "https://github.com/login/oauth/access_token",
	},
}

// ExternalUser is the identity extracted from a provider, per §4.3.1's
// "{externalId, email?}".
type ExternalUser struct {
	ExternalID string
	Email      string
}

// ProviderConfig carries the per-tenant/per-app client credentials a
// deployment registers for a provider (§6's OAUTH_* env surface).
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Client drives the OAuth/OIDC flow for every configured provider.
type Client struct {
	configs    map[string]*oauth2.Config
	httpClient *http.Client
	jwks       *jwksCache
	breakers   *circuitbreaker.Registry
}

func New(providers map[string]ProviderConfig) *Client {
	configs := make(map[string]*oauth2.Config, len(providers))
	for name, pc := range providers {
		cap, ok := Capabilities[name]
		if !ok {
			continue
		}
		configs[name] = &oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Scopes:       cap.DefaultScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cap.AuthURL,
				TokenURL: cap.TokenURL,
			},
		}
	}

	httpClient := &http.Client{Timeout: requestTimeout}
	return &Client{configs: configs, httpClient: httpClient, jwks: newJWKSCache(httpClient)}
}

// WithBreakers wires a circuit breaker registry in front of Exchange and
// the GitHub user-fetch call, one circuit per provider ("oauth:google" etc).
// Without a call to this, Client behaves exactly as before — the registry
// is optional so unit tests can keep constructing a bare Client.
func (c *Client) WithBreakers(r *circuitbreaker.Registry) *Client {
	c.breakers = r
	return c
}

// guard runs effect through the named circuit when a registry is wired,
// or directly otherwise.
func (c *Client) guard(ctx context.Context, circuitName string, effect func(ctx context.Context) error) error {
	if c.breakers == nil {
		return effect(ctx)
	}
	_, _, err := circuitbreaker.Execute(ctx, c.breakers, circuitName, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, effect(ctx)
	})
	return err
}

func (c *Client) config(provider string) (*oauth2.Config, error) {
	cfg, ok := c.configs[provider]
	if !ok {
		return nil, apierr.OAuth(provider, "unknown_provider")
	}
	return cfg, nil
}

// AuthURL builds the authorize URL for provider. verifier is the PKCE code
// verifier (already generated by the caller's state machine) and is only
// consulted for PKCE-capable providers.
func (c *Client) AuthURL(provider, state string, verifier *string) (string, error) {
	cfg, err := c.config(provider)
	if err != nil {
		return "", err
	}

	var opts []oauth2.AuthCodeOption
	if Capabilities[provider].PKCE && verifier != nil {
		opts = append(opts, oauth2.S256ChallengeOption(*verifier))
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for a token, retrying any failure
// with jittered exponential backoff (up to maxAttempts attempts in all).
func (c *Client) Exchange(ctx context.Context, provider, code string, verifier *string) (*oauth2.Token, error) {
	cfg, err := c.config(provider)
	if err != nil {
		return nil, err
	}

	var opts []oauth2.AuthCodeOption
	if Capabilities[provider].PKCE && verifier != nil {
		opts = append(opts, oauth2.VerifierOption(*verifier))
	}

	var token *oauth2.Token
	err = c.guard(ctx, "oauth:"+provider, func(ctx context.Context) error {
		return withRetry(ctx, func(ctx context.Context) error {
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			t, exchangeErr := cfg.Exchange(reqCtx, code, opts...)
			if exchangeErr != nil {
				return exchangeErr
			}
			token = t
			return nil
		})
	})
	if err != nil {
		return nil, apierr.OAuth(provider, "exchange_failed")
	}
	return token, nil
}

// ExtractUser resolves the external identity from a freshly exchanged
// token: OIDC providers decode the ID token against the provider's JWKS;
// github fetches /user with the access token.
func (c *Client) ExtractUser(ctx context.Context, provider string, token *oauth2.Token) (ExternalUser, error) {
	cap, ok := Capabilities[provider]
	if !ok {
		return ExternalUser{}, apierr.OAuth(provider, "unknown_provider")
	}

	if cap.OIDC {
		return c.extractFromIDToken(ctx, provider, token)
	}
	return c.extractFromGitHub(ctx, token)
}

func (c *Client) extractFromIDToken(ctx context.Context, provider string, token *oauth2.Token) (ExternalUser, error) {
	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return ExternalUser{}, apierr.OAuth(provider, "encoding")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return c.jwks.key(ctx, Capabilities[provider].JWKSURL, kid)
	})
	if err != nil {
		return ExternalUser{}, apierr.OAuth(provider, "encoding")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return ExternalUser{}, apierr.OAuth(provider, "user_fetch")
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return ExternalUser{}, apierr.OAuth(provider, "no_email")
	}
	return ExternalUser{ExternalID: sub, Email: email}, nil
}

type githubUser struct {
	ID    int64   `json:"id"`
	Email *string `json:"email"`
}

func (c *Client) extractFromGitHub(ctx context.Context, token *oauth2.Token) (ExternalUser, error) {
	var user githubUser
	err := c.guard(ctx, "oauth:github", func(ctx context.Context) error {
		return withRetry(ctx, func(ctx context.Context) error {
			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()

			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, githubUserURL, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token.AccessToken)
			req.Header.Set("User-Agent", "ParametricPortal/1.0")
			req.Header.Set("Accept", "application/vnd.github+json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return fmt.Errorf("oauthclient: github /user returned %d: %s", resp.StatusCode, body)
			}
			return json.NewDecoder(resp.Body).Decode(&user)
		})
	})
	if err != nil {
		return ExternalUser{}, apierr.OAuth("github", "user_fetch")
	}
	if user.Email == nil || *user.Email == "" {
		return ExternalUser{}, apierr.OAuth("github", "no_email")
	}
	return ExternalUser{ExternalID: fmt.Sprintf("%d", user.ID), Email: *user.Email}, nil
}

// withRetry runs fn up to maxAttempts times with jittered exponential
// backoff (per §4.3.1's "10s timeout, backoff with jitter up to 3
// attempts").
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
		jitter := time.Duration(rand.Int64N(int64(backoff)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
