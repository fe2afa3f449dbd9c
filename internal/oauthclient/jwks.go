package oauthclient

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

const jwksCacheTTL = time.Hour

// jwk mirrors the public fields of a provider's JSON Web Key; same shape
// the teacher's own JWKS struct exposes, mirrored here for the consuming
// (relying-party) side instead of the issuing side.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// jwksCache fetches and caches a provider's JWKS document, keyed by URL,
// refetching after jwksCacheTTL or on an unrecognized kid (covers key
// rotation without a restart).
type jwksCache struct {
	httpClient *http.Client

	mu      sync.Mutex
	entries map[string]jwksEntry
}

type jwksEntry struct {
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(httpClient *http.Client) *jwksCache {
	return &jwksCache{httpClient: httpClient, entries: map[string]jwksEntry{}}
}

func (c *jwksCache) key(ctx context.Context, url, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	entry, ok := c.entries[url]
	c.mu.Unlock()

	if ok && time.Since(entry.fetchedAt) < jwksCacheTTL {
		if key, found := entry.keys[kid]; found {
			return key, nil
		}
	}

	fresh, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[url] = fresh
	c.mu.Unlock()

	key, found := fresh.keys[kid]
	if !found {
		return nil, fmt.Errorf("oauthclient: no jwks key for kid %q", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context, url string) (jwksEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return jwksEntry{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jwksEntry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jwksEntry{}, fmt.Errorf("oauthclient: jwks fetch %s returned %d", url, resp.StatusCode)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jwksEntry{}, fmt.Errorf("oauthclient: decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKeyFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return jwksEntry{keys: keys, fetchedAt: time.Now()}, nil
}

func rsaPublicKeyFromJWK(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: decode jwk modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("oauthclient: decode jwk exponent: %w", err)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
