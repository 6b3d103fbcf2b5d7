package gateway

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/heliosfn/helios/internal/fault"
)

// jwksCache caches key sets by URL. A token with an unknown kid forces one
// refresh, rate-limited so a flood of bad tokens cannot hammer the issuer.
type jwksCache struct {
	client *http.Client

	mu        sync.Mutex
	sets      map[string]*jwksEntry
	discovery map[string]string // discovery URL → jwks_uri
}

type jwksEntry struct {
	keys    map[string]crypto.PublicKey
	fetched time.Time
}

const (
	jwksTTL        = time.Hour
	jwksMinRefresh = 30 * time.Second
)

func newJWKSCache(client *http.Client) *jwksCache {
	return &jwksCache{
		client:    client,
		sets:      make(map[string]*jwksEntry),
		discovery: make(map[string]string),
	}
}

// keyFor returns the verification key with the given kid from the set at
// jwksURL, refreshing the set on a miss.
func (c *jwksCache) keyFor(ctx context.Context, jwksURL, kid string) (crypto.PublicKey, error) {
	c.mu.Lock()
	entry := c.sets[jwksURL]
	c.mu.Unlock()

	if entry != nil && time.Since(entry.fetched) < jwksTTL {
		if key, ok := entry.keys[kid]; ok {
			return key, nil
		}
		// kid miss: maybe the issuer rotated keys
		if time.Since(entry.fetched) < jwksMinRefresh {
			return nil, fault.Newf(fault.KindUnauthorized, "unknown signing key %q", kid)
		}
	}

	fresh, err := c.fetch(ctx, jwksURL)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sets[jwksURL] = fresh
	c.mu.Unlock()

	if key, ok := fresh.keys[kid]; ok {
		return key, nil
	}
	return nil, fault.Newf(fault.KindUnauthorized, "unknown signing key %q", kid)
}

// jwksURLFromDiscovery resolves an OIDC discovery document to its jwks_uri.
func (c *jwksCache) jwksURLFromDiscovery(ctx context.Context, discoveryURL string) (string, error) {
	c.mu.Lock()
	if u, ok := c.discovery[discoveryURL]; ok {
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	body, err := c.get(ctx, discoveryURL)
	if err != nil {
		return "", err
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.JWKSURI == "" {
		return "", fault.Newf(fault.KindInternal, "discovery document at %s has no jwks_uri", discoveryURL)
	}

	c.mu.Lock()
	c.discovery[discoveryURL] = doc.JWKSURI
	c.mu.Unlock()
	return doc.JWKSURI, nil
}

func (c *jwksCache) fetch(ctx context.Context, jwksURL string) (*jwksEntry, error) {
	body, err := c.get(ctx, jwksURL)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fault.Wrap(fault.KindInternal, "parse jwks", err)
	}

	entry := &jwksEntry{keys: make(map[string]crypto.PublicKey), fetched: time.Now()}
	for _, k := range doc.Keys {
		key, err := k.publicKey()
		if err != nil {
			continue // skip unsupported key types
		}
		entry.keys[k.Kid] = key
	}
	return entry, nil
}

func (c *jwksCache) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "jwks request", err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "fetch "+url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.KindInternal, "fetch %s: status %d", url, res.StatusCode)
	}
	return io.ReadAll(io.LimitReader(res.Body, 1<<20))
}

// jwk is the subset of RFC 7517 the gateway understands.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jwk) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("decode modulus: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("decode exponent: %w", err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(new(big.Int).SetBytes(e).Int64()),
		}, nil
	case "EC":
		var curve elliptic.Curve
		switch k.Crv {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported curve %q", k.Crv)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("decode x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("decode y: %w", err)
		}
		return &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(x),
			Y:     new(big.Int).SetBytes(y),
		}, nil
	}
	return nil, fmt.Errorf("unsupported key type %q", k.Kty)
}
