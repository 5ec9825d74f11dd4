package mirror

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
)

var ErrPublicKeyNotFound = errors.New("Public key missing or not found.")

const defaultPublicKeyTtl = 1 * time.Hour

// PublicKeyCache holds the signing keys published at a url as a json object of
// key id -> PEM. Keys are refetched when the `Expires` header of the last fetch
// has passed.
type PublicKeyCache struct {
	keysUrl string
	client  *http.Client

	stateLock sync.Mutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

var publicKeyCachesLock sync.Mutex
var publicKeyCaches map[string]*PublicKeyCache

// one cache per url for the process
func SharedPublicKeyCache(keysUrl string) *PublicKeyCache {
	publicKeyCachesLock.Lock()
	defer publicKeyCachesLock.Unlock()

	if publicKeyCaches == nil {
		publicKeyCaches = map[string]*PublicKeyCache{}
	}
	cache, ok := publicKeyCaches[keysUrl]
	if !ok {
		cache = &PublicKeyCache{
			keysUrl: keysUrl,
			client:  defaultClient(),
		}
		publicKeyCaches[keysUrl] = cache
	}
	return cache
}

func (self *PublicKeyCache) Key(ctx context.Context, keyId string) (*rsa.PublicKey, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.keys == nil || !time.Now().Before(self.expiresAt) {
		if err := self.fetch(ctx); err != nil {
			return nil, err
		}
	}
	key, ok := self.keys[keyId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPublicKeyNotFound, keyId)
	}
	return key, nil
}

func (self *PublicKeyCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, self.keysUrl, nil)
	if err != nil {
		return err
	}
	res, err := self.client.Do(req)
	if err != nil {
		return fmt.Errorf("Failed to fetch public keys: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("Failed to fetch public keys: %s", res.Status)
	}

	expiresAt := time.Now().Add(defaultPublicKeyTtl)
	if expires := res.Header.Get("Expires"); expires != "" {
		if t, err := http.ParseTime(expires); err == nil {
			expiresAt = t
		} else {
			glog.Infof("[keys]bad expires header %q = %s\n", expires, err)
		}
	}

	pems := map[string]string{}
	if err := json.NewDecoder(res.Body).Decode(&pems); err != nil {
		return fmt.Errorf("Failed to parse public keys: %w", err)
	}
	keys := map[string]*rsa.PublicKey{}
	for keyId, pem := range pems {
		key, err := gojwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return fmt.Errorf("Failed to parse public key %s: %w", keyId, err)
		}
		keys[keyId] = key
	}

	self.keys = keys
	self.expiresAt = expiresAt
	return nil
}

// VerifyIdToken checks the signature, expiry and audience of an RS256 id token.
// An empty `issuer` skips the issuer check.
func VerifyIdToken(
	ctx context.Context,
	keys *PublicKeyCache,
	token string,
	projectId string,
	issuer string,
) (*gojwt.RegisteredClaims, error) {
	options := []gojwt.ParserOption{
		gojwt.WithValidMethods([]string{gojwt.SigningMethodRS256.Alg()}),
		gojwt.WithAudience(projectId),
		gojwt.WithExpirationRequired(),
	}
	if issuer != "" {
		options = append(options, gojwt.WithIssuer(issuer))
	}

	claims := &gojwt.RegisteredClaims{}
	_, err := gojwt.ParseWithClaims(token, claims, func(t *gojwt.Token) (any, error) {
		keyId, _ := t.Header["kid"].(string)
		return keys.Key(ctx, keyId)
	}, options...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("Token has no subject.")
	}
	return claims, nil
}
