package mirror

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestStaticAuthorization(t *testing.T) {
	auth := NewStaticAuthorization("p", "token")
	token, err := auth.GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, token, "token")
	assert.Equal(t, auth.ProjectId(), "p")

	clone := auth.CloneHandle()
	assert.Equal(t, clone.ProjectId(), "p")

	_, err = NewStaticAuthorization("p", "").GetToken(context.Background())
	assert.Equal(t, errors.Is(err, ErrNoToken), true)
}

func TestSignedJwtAuthorization(t *testing.T) {
	settings := DefaultSignedJwtSettings()
	settings.Issuer = "mirror-test"
	settings.Subject = "sub-1"
	auth := NewHmacJwtAuthorization("proj", []byte("secret"), settings)

	token, err := auth.GetToken(context.Background())
	assert.Equal(t, err, nil)

	// tokens are cached per identity, clones share the cache
	again, err := auth.CloneHandle().GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.Equal(t, again, token)

	claims, err := ParseTokenClaimsUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.Issuer, "mirror-test")
	assert.Equal(t, claims.Subject, "sub-1")
	assert.Equal(t, claims.ProjectId, "proj")
	assert.NotEqual(t, claims.ExpiresAt, nil)

	parsed, err := gojwt.Parse(token, func(t *gojwt.Token) (any, error) {
		return []byte("secret"), nil
	}, gojwt.WithValidMethods([]string{"HS256"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.Valid, true)

	// another subject is another token
	otherSettings := *settings
	otherSettings.Subject = "sub-2"
	other, err := NewHmacJwtAuthorization("proj", []byte("secret"), &otherSettings).GetToken(context.Background())
	assert.Equal(t, err, nil)
	assert.NotEqual(t, other, token)
}

func TestTokenCacheRefresh(t *testing.T) {
	cache := &tokenCache{
		tokens: map[string]cachedToken{},
	}
	var mints atomic.Int32
	mint := func() (string, time.Time, error) {
		n := mints.Add(1)
		return string(rune('a' + n)), time.Now().Add(time.Hour), nil
	}

	token, err := cache.get("k", time.Minute, mint)
	assert.Equal(t, err, nil)
	again, _ := cache.get("k", time.Minute, mint)
	assert.Equal(t, again, token)
	assert.Equal(t, mints.Load(), int32(1))

	// within the refresh window a new token is minted
	refreshed, _ := cache.get("k", 2*time.Hour, mint)
	assert.NotEqual(t, refreshed, token)
	assert.Equal(t, mints.Load(), int32(2))

	cache.invalidate("k")
	cache.get("k", time.Minute, mint)
	assert.Equal(t, mints.Load(), int32(3))
}

func TestVerifyIdToken(t *testing.T) {
	initGlog()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Equal(t, err, nil)
	publicDer, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	assert.Equal(t, err, nil)
	publicPem := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDer})

	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		json.NewEncoder(w).Encode(map[string]string{
			"key1": string(publicPem),
		})
	}))
	defer server.Close()

	privatePem := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	settings := DefaultSignedJwtSettings()
	settings.Issuer = "https://issuer.example.com/proj"
	settings.Subject = "user-1"
	settings.Audience = "proj"
	auth, err := NewRsaJwtAuthorization("proj", privatePem, "key1", settings)
	assert.Equal(t, err, nil)
	token, err := auth.GetToken(context.Background())
	assert.Equal(t, err, nil)

	keys := SharedPublicKeyCache(server.URL)
	assert.Equal(t, SharedPublicKeyCache(server.URL) == keys, true)

	claims, err := VerifyIdToken(context.Background(), keys, token, "proj", settings.Issuer)
	assert.Equal(t, err, nil)
	assert.Equal(t, claims.Subject, "user-1")

	_, err = VerifyIdToken(context.Background(), keys, token, "other", "")
	assert.NotEqual(t, err, nil)

	// keys are cached until they expire
	assert.Equal(t, fetches.Load(), int32(1))

	hmacToken, _ := NewHmacJwtAuthorization("proj", []byte("secret"), settings).GetToken(context.Background())
	_, err = VerifyIdToken(context.Background(), keys, hmacToken, "proj", "")
	assert.NotEqual(t, err, nil)
}
