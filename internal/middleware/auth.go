package middleware

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	jwksCacheTTL   = 5 * time.Minute
	allowedSkew    = time.Minute
	bearerScheme   = "bearer"
	authHeaderName = echo.HeaderAuthorization
)

// profileClaims are the optional profile claims Auth0 adds to access tokens
type profileClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Validate implements validator.CustomClaims. Profile claims are informational.
func (profileClaims) Validate(context.Context) error { return nil }

// Collector is the authenticated caller. Subject is recorded on every ledger
// entry the caller writes.
type Collector struct {
	Subject string
	Email   string
	Name    string
}

type contextKey string

// SubjectKey holds the authenticated token subject in the request context
const SubjectKey contextKey = "subject"

const collectorKey contextKey = "collector"

// tokenValidator is satisfied by *validator.Validator
type tokenValidator interface {
	ValidateToken(ctx context.Context, token string) (interface{}, error)
}

// AuthMiddleware validates Auth0 access tokens
type AuthMiddleware struct {
	validator tokenValidator
}

// NewAuthMiddleware builds a validator for RS256 tokens issued by domain for audience
func NewAuthMiddleware(domain, audience string) (*AuthMiddleware, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, err
	}

	provider := jwks.NewCachingProvider(issuerURL, jwksCacheTTL)
	v, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
		validator.WithCustomClaims(func() validator.CustomClaims { return &profileClaims{} }),
		validator.WithAllowedClockSkew(allowedSkew),
	)
	if err != nil {
		return nil, err
	}
	return &AuthMiddleware{validator: v}, nil
}

// Authenticate rejects requests without a valid bearer token and stores the
// Collector in the request context
func (m *AuthMiddleware) Authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := bearerToken(c.Request().Header.Get(authHeaderName))
			if !ok {
				return unauthorizedError(c, "Missing or malformed authorization header")
			}

			raw, err := m.validator.ValidateToken(c.Request().Context(), token)
			if err != nil {
				log.Debug().Err(err).Msg("Token validation failed")
				return unauthorizedError(c, "Invalid token")
			}

			collector, ok := collectorFromClaims(raw)
			if !ok {
				return unauthorizedError(c, "Invalid claims")
			}

			ctx := context.WithValue(c.Request().Context(), collectorKey, collector)
			ctx = context.WithValue(ctx, SubjectKey, collector.Subject)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func collectorFromClaims(raw interface{}) (*Collector, bool) {
	claims, ok := raw.(*validator.ValidatedClaims)
	if !ok || claims.RegisteredClaims.Subject == "" {
		return nil, false
	}
	collector := &Collector{Subject: claims.RegisteredClaims.Subject}
	if profile, ok := claims.CustomClaims.(*profileClaims); ok {
		collector.Email = profile.Email
		collector.Name = profile.Name
	}
	return collector, true
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, bearerScheme) || token == "" {
		return "", false
	}
	return token, true
}

// GetSubject returns the authenticated subject, or "" outside Authenticate
func GetSubject(c echo.Context) string {
	subject, _ := c.Request().Context().Value(SubjectKey).(string)
	return subject
}

// GetCollector returns the authenticated caller, or nil outside Authenticate
func GetCollector(c echo.Context) *Collector {
	collector, _ := c.Request().Context().Value(collectorKey).(*Collector)
	return collector
}
