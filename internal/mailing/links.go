package mailing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Link purposes carried in the token audience.
const (
	PurposeUnsubscribe = "unsubscribe"
	PurposePreferences = "preferences"
)

var (
	ErrInvalidLink = errors.New("invalid link token")
	ErrLinkExpired = errors.New("link token expired")
)

// LinkClaims identifies the tenant and contact a link acts for.
type LinkClaims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// LinkSigner builds and verifies signed, stateless, tenant-scoped
// unsubscribe and preferences links.
type LinkSigner struct {
	baseURL string
	key     []byte
	ttl     time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewLinkSigner creates a signer. A zero ttl issues non-expiring links.
func NewLinkSigner(baseURL string, key []byte, ttl time.Duration) *LinkSigner {
	return &LinkSigner{baseURL: strings.TrimRight(baseURL, "/"), key: key, ttl: ttl}
}

func (s *LinkSigner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// UnsubscribeURL implements sending.LinkBuilder.
func (s *LinkSigner) UnsubscribeURL(tenantID, email string) (string, error) {
	return s.link("/unsubscribe", PurposeUnsubscribe, tenantID, email)
}

// PreferencesURL implements sending.LinkBuilder.
func (s *LinkSigner) PreferencesURL(tenantID, email string) (string, error) {
	return s.link("/preferences", PurposePreferences, tenantID, email)
}

func (s *LinkSigner) link(path, purpose, tenantID, email string) (string, error) {
	tok, err := s.Sign(purpose, tenantID, email)
	if err != nil {
		return "", err
	}
	return s.baseURL + path + "?token=" + url.QueryEscape(tok), nil
}

// Sign issues a token for purpose.
func (s *LinkSigner) Sign(purpose, tenantID, email string) (string, error) {
	if tenantID == "" || email == "" {
		return "", fmt.Errorf("%w: tenant and email are required", ErrInvalidLink)
	}
	now := s.now()
	claims := LinkClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strings.ToLower(strings.TrimSpace(email)),
			Audience: jwt.ClaimStrings{purpose},
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign link: %w", err)
	}
	return tok, nil
}

// Verify checks a token's signature, purpose and expiry.
func (s *LinkSigner) Verify(token, purpose string) (*LinkClaims, error) {
	var claims LinkClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(purpose),
		jwt.WithTimeFunc(s.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrLinkExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return nil, ErrInvalidLink
	}
	return &claims, nil
}
