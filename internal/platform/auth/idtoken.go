package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// IDToken is the decoded end-user token issued by the external identity provider.
type IDToken struct {
	UID      string
	Issuer   string
	Audience []string
	Expires  time.Time
	IssuedAt time.Time
	Claims   map[string]any
}

// IDTokenVerifierConfig configures issuer and audience expectations for user tokens.
type IDTokenVerifierConfig struct {
	Audience string
	Issuers  []string
}

// IDTokenVerifier validates end-user ID tokens against the provider's JWKS.
type IDTokenVerifier struct {
	cache    *JWKSCache
	audience string
	issuers  map[string]struct{}
	now      func() time.Time
}

// IDTokenOption customises the verifier.
type IDTokenOption func(*IDTokenVerifier)

// WithIDTokenClock injects a custom clock (primarily for testing).
func WithIDTokenClock(now func() time.Time) IDTokenOption {
	return func(v *IDTokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewIDTokenVerifier constructs a verifier backed by the provided JWKS cache.
func NewIDTokenVerifier(cache *JWKSCache, cfg IDTokenVerifierConfig, opts ...IDTokenOption) (*IDTokenVerifier, error) {
	if cache == nil {
		return nil, errors.New("auth: jwks cache is required")
	}

	issuers := make(map[string]struct{}, len(cfg.Issuers))
	for _, issuer := range cfg.Issuers {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			continue
		}
		issuers[issuer] = struct{}{}
	}

	verifier := &IDTokenVerifier{
		cache:    cache,
		audience: strings.TrimSpace(cfg.Audience),
		issuers:  issuers,
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}

	return verifier, nil
}

// VerifyIDToken parses and validates the raw token, returning the decoded claims.
func (v *IDTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*IDToken, error) {
	if v == nil || v.cache == nil {
		return nil, errors.New("auth: id token verifier not initialised")
	}
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	parsed, err := parser.ParseWithClaims(idToken, claims, v.cache.Keyfunc(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	// Time-based claims are validated here against the injected clock instead
	// of the parser's package-global time source.
	now := v.now()
	expires, hasExpiry := numericDateClaim(claims, "exp")
	if !hasExpiry {
		return nil, fmt.Errorf("%w: missing expiry", ErrTokenInvalid)
	}
	if now.After(expires) {
		return nil, fmt.Errorf("%w: expired at %s", ErrTokenExpired, expires.UTC().Format(time.RFC3339))
	}
	if notBefore, ok := numericDateClaim(claims, "nbf"); ok && now.Before(notBefore) {
		return nil, fmt.Errorf("%w: token not valid yet", ErrTokenInvalid)
	}
	issuedAt, _ := numericDateClaim(claims, "iat")

	issuer, _ := claims["iss"].(string)
	if len(v.issuers) > 0 {
		if _, ok := v.issuers[issuer]; !ok {
			return nil, fmt.Errorf("%w: issuer %q not allowed", ErrTokenInvalid, issuer)
		}
	}

	audiences := audienceFromClaims(claims)
	if v.audience != "" && !containsString(audiences, v.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	subject, _ := claims["sub"].(string)
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	return &IDToken{
		UID:      subject,
		Issuer:   issuer,
		Audience: audiences,
		Expires:  expires,
		IssuedAt: issuedAt,
		Claims:   cloneClaims(claims),
	}, nil
}

func numericDateClaim(claims jwt.MapClaims, key string) (time.Time, bool) {
	raw, ok := claims[key]
	if !ok {
		return time.Time{}, false
	}
	switch value := raw.(type) {
	case float64:
		return time.Unix(int64(value), 0), true
	case int64:
		return time.Unix(value, 0), true
	case json.Number:
		seconds, err := value.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(int64(seconds), 0), true
	default:
		return time.Time{}, false
	}
}
