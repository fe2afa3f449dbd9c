package oauthclient_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/oauthclient"
)

func TestCapabilities_MatchesProviderTable(t *testing.T) {
	assert.True(t, oauthclient.Capabilities["google"].OIDC)
	assert.True(t, oauthclient.Capabilities["google"].PKCE)
	assert.False(t, oauthclient.Capabilities["github"].OIDC)
	assert.False(t, oauthclient.Capabilities["github"].PKCE)
	assert.Equal(t, []string{"user:email"}, oauthclient.Capabilities["github"].DefaultScopes)
}

func TestAuthURL_UnknownProviderFails(t *testing.T) {
	c := oauthclient.New(map[string]oauthclient.ProviderConfig{})
	_, err := c.AuthURL("not-a-provider", "state", nil)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindOAuth))
}

func TestAuthURL_IncludesPKCEChallengeForGoogle(t *testing.T) {
	c := oauthclient.New(map[string]oauthclient.ProviderConfig{
		"google": {ClientID: "id", ClientSecret: "secret", RedirectURL: "https://app.example/callback"},
	})
	verifier := "a-verifier-that-is-at-least-43-characters-long-for-pkce"
	url, err := c.AuthURL("google", "state123", &verifier)
	require.NoError(t, err)
	assert.Contains(t, url, "code_challenge=")
	assert.Contains(t, url, "state=state123")
}

func TestAuthURL_GitHubOmitsPKCE(t *testing.T) {
	c := oauthclient.New(map[string]oauthclient.ProviderConfig{
		"github": {ClientID: "id", ClientSecret: "secret", RedirectURL: "https://app.example/callback"},
	})
	verifier := "unused-verifier"
	url, err := c.AuthURL("github", "state123", &verifier)
	require.NoError(t, err)
	assert.NotContains(t, url, "code_challenge=")
}

// rsaJWKS generates an RSA key and the JWKS document publishing its public
// half; signIDToken below signs ID tokens with that key, so
// extractFromIDToken can be exercised without a live provider.
func rsaJWKS(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())

	doc := map[string]any{
		"keys": []map[string]string{
			{"kty": "RSA", "kid": "test-kid", "n": n, "e": e},
		},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)
	return key, string(body)
}

func signIDToken(t *testing.T, key *rsa.PrivateKey, sub, email string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestExtractUser_OIDCDecodesIDTokenAgainstJWKS(t *testing.T) {
	key, jwksBody := rsaJWKS(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(jwksBody))
	}))
	defer server.Close()

	oauthclient.Capabilities["google"] = oauthclient.Capability{
		OIDC: true, PKCE: true,
		DefaultScopes: []string{"openid"},
		AuthURL:       oauthclient.Capabilities["google"].AuthURL,
		TokenURL:      oauthclient.Capabilities["google"].TokenURL,
		JWKSURL:       server.URL,
	}
	defer func() {
		cap := oauthclient.Capabilities["google"]
		cap.JWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
		oauthclient.Capabilities["google"] = cap
	}()

	c := oauthclient.New(map[string]oauthclient.ProviderConfig{
		"google": {ClientID: "id", ClientSecret: "secret", RedirectURL: "https://app.example/callback"},
	})

	idToken := signIDToken(t, key, "external-123", "user@example.com")
	token := (&oauth2.Token{AccessToken: "access"}).WithExtra(map[string]any{"id_token": idToken})

	user, err := c.ExtractUser(context.Background(), "google", token)
	require.NoError(t, err)
	assert.Equal(t, "external-123", user.ExternalID)
	assert.Equal(t, "user@example.com", user.Email)
}

func TestExtractUser_OIDCMissingEmailFails(t *testing.T) {
	key, jwksBody := rsaJWKS(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(jwksBody))
	}))
	defer server.Close()

	cap := oauthclient.Capabilities["microsoft"]
	cap.JWKSURL = server.URL
	oauthclient.Capabilities["microsoft"] = cap
	defer func() {
		cap := oauthclient.Capabilities["microsoft"]
		cap.JWKSURL = "https://login.microsoftonline.com/common/discovery/v2.0/keys"
		oauthclient.Capabilities["microsoft"] = cap
	}()

	c := oauthclient.New(map[string]oauthclient.ProviderConfig{
		"microsoft": {ClientID: "id", ClientSecret: "secret", RedirectURL: "https://app.example/callback"},
	})

	idToken := signIDToken(t, key, "external-456", "")
	token := (&oauth2.Token{AccessToken: "access"}).WithExtra(map[string]any{"id_token": idToken})

	_, err := c.ExtractUser(context.Background(), "microsoft", token)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindOAuth))
}
