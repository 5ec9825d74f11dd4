package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// absence of a credential. This is not a network failure and is not retried.
var ErrNoToken = errors.New("No token available.")

// A credential handle shared by clients. Handles are duplicated with
// `CloneHandle`, never copied.
type Authorization interface {
	// returns `ErrNoToken` when there is no credential
	GetToken(ctx context.Context) (string, error)
	ProjectId() string
	CloneHandle() Authorization
}

// implemented by handles that cache tokens. The next `GetToken` gets a fresh token.
type TokenInvalidator interface {
	InvalidateToken()
}

type StaticAuthorization struct {
	projectId string
	token     string
}

func NewStaticAuthorization(projectId string, token string) *StaticAuthorization {
	return &StaticAuthorization{
		projectId: projectId,
		token:     token,
	}
}

// the project id is read from the `project_id` or `aud` claim
func NewStaticAuthorizationFromJwt(token string) (*StaticAuthorization, error) {
	claims, err := ParseTokenClaimsUnverified(token)
	if err != nil {
		return nil, err
	}
	return NewStaticAuthorization(claims.ProjectId, token), nil
}

func (self *StaticAuthorization) GetToken(ctx context.Context) (string, error) {
	if self.token == "" {
		return "", ErrNoToken
	}
	return self.token, nil
}

func (self *StaticAuthorization) ProjectId() string {
	return self.projectId
}

func (self *StaticAuthorization) CloneHandle() Authorization {
	return &StaticAuthorization{
		projectId: self.projectId,
		token:     self.token,
	}
}

type TokenClaims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ProjectId string
	ExpiresAt *time.Time
}

// reads the claims of a jwt without verifying the signature
func ParseTokenClaimsUnverified(token string) (*TokenClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	tokenClaims := &TokenClaims{}
	tokenClaims.Subject, _ = claims.GetSubject()
	tokenClaims.Issuer, _ = claims.GetIssuer()
	if audience, err := claims.GetAudience(); err == nil {
		tokenClaims.Audience = audience
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		t := expiresAt.Time
		tokenClaims.ExpiresAt = &t
	}
	if projectId, ok := claims["project_id"].(string); ok {
		tokenClaims.ProjectId = projectId
	} else if len(tokenClaims.Audience) == 1 {
		tokenClaims.ProjectId = tokenClaims.Audience[0]
	}
	return tokenClaims, nil
}

type SignedJwtSettings struct {
	Issuer   string
	Subject  string
	Audience string
	Lifetime time.Duration
	// tokens are re-minted this long before they expire
	RefreshBefore time.Duration
}

func DefaultSignedJwtSettings() *SignedJwtSettings {
	return &SignedJwtSettings{
		Lifetime:      1 * time.Hour,
		RefreshBefore: 1 * time.Minute,
	}
}

// Mints self signed bearer tokens. Tokens are shared by all handles with the
// same identity through a process wide cache.
type SignedJwtAuthorization struct {
	projectId string
	method    gojwt.SigningMethod
	key       any
	keyId     string
	settings  *SignedJwtSettings
}

func NewHmacJwtAuthorization(projectId string, secret []byte, settings *SignedJwtSettings) *SignedJwtAuthorization {
	return &SignedJwtAuthorization{
		projectId: projectId,
		method:    gojwt.SigningMethodHS256,
		key:       secret,
		settings:  settings,
	}
}

func NewRsaJwtAuthorization(projectId string, keyPem []byte, keyId string, settings *SignedJwtSettings) (*SignedJwtAuthorization, error) {
	key, err := gojwt.ParseRSAPrivateKeyFromPEM(keyPem)
	if err != nil {
		return nil, err
	}
	return &SignedJwtAuthorization{
		projectId: projectId,
		method:    gojwt.SigningMethodRS256,
		key:       key,
		keyId:     keyId,
		settings:  settings,
	}, nil
}

func (self *SignedJwtAuthorization) cacheKey() string {
	return fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s",
		self.projectId,
		self.method.Alg(),
		self.keyId,
		self.settings.Issuer,
		self.settings.Subject,
		self.settings.Audience,
	)
}

func (self *SignedJwtAuthorization) GetToken(ctx context.Context) (string, error) {
	return sharedTokenCache().get(self.cacheKey(), self.settings.RefreshBefore, self.mint)
}

func (self *SignedJwtAuthorization) mint() (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(self.settings.Lifetime)
	claims := gojwt.MapClaims{
		"jti":        NewId().String(),
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
		"project_id": self.projectId,
	}
	if self.settings.Issuer != "" {
		claims["iss"] = self.settings.Issuer
	}
	if self.settings.Subject != "" {
		claims["sub"] = self.settings.Subject
	}
	if self.settings.Audience != "" {
		claims["aud"] = self.settings.Audience
	}
	token := gojwt.NewWithClaims(self.method, claims)
	if self.keyId != "" {
		token.Header["kid"] = self.keyId
	}
	signed, err := token.SignedString(self.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (self *SignedJwtAuthorization) InvalidateToken() {
	sharedTokenCache().invalidate(self.cacheKey())
}

func (self *SignedJwtAuthorization) ProjectId() string {
	return self.projectId
}

func (self *SignedJwtAuthorization) CloneHandle() Authorization {
	settings := *self.settings
	return &SignedJwtAuthorization{
		projectId: self.projectId,
		method:    self.method,
		key:       self.key,
		keyId:     self.keyId,
		settings:  &settings,
	}
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// process wide cache of minted tokens. Every read checks expiry and refreshes
// before returning.
type tokenCache struct {
	stateLock sync.Mutex
	tokens    map[string]cachedToken
}

var tokenCacheOnce sync.Once
var globalTokenCache *tokenCache

func sharedTokenCache() *tokenCache {
	tokenCacheOnce.Do(func() {
		globalTokenCache = &tokenCache{
			tokens: map[string]cachedToken{},
		}
	})
	return globalTokenCache
}

func (self *tokenCache) get(
	key string,
	refreshBefore time.Duration,
	mint func() (string, time.Time, error),
) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if cached, ok := self.tokens[key]; ok && time.Now().Add(refreshBefore).Before(cached.expiresAt) {
		return cached.token, nil
	}
	token, expiresAt, err := mint()
	if err != nil {
		return "", err
	}
	self.tokens[key] = cachedToken{
		token:     token,
		expiresAt: expiresAt,
	}
	return token, nil
}

func (self *tokenCache) invalidate(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.tokens, key)
}

// drops the cached token of handles that cache one
func invalidateToken(auth Authorization) {
	if invalidator, ok := auth.(TokenInvalidator); ok {
		invalidator.InvalidateToken()
	}
}
