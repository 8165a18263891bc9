package api

import (
	"fmt"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
)

// Identity is the resolved caller of an API request.
type Identity struct {
	TenantID string
	UserID   string
}

// Authenticator resolves a request to a tenant identity. Implementations must
// not log or echo the presented credential.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// identityKey is the context key the auth middleware stores the identity
// under.
const identityKey = "maestro.identity"

// StaticTokenAuth authenticates bearer tokens against a fixed table. The
// table is parsed from "token=tenant:user" pairs separated by commas, the
// shape of the AUTH_TOKENS environment variable.
type StaticTokenAuth struct {
	tokens map[string]Identity
}

// NewStaticTokenAuth parses the token table.
func NewStaticTokenAuth(spec string) (*StaticTokenAuth, error) {
	tokens := map[string]Identity{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, target, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("auth token entry must be token=tenant:user")
		}
		tenant, user, ok := strings.Cut(target, ":")
		if !ok || token == "" || tenant == "" || user == "" {
			return nil, fmt.Errorf("auth token entry must be token=tenant:user")
		}
		tokens[token] = Identity{TenantID: tenant, UserID: user}
	}
	return &StaticTokenAuth{tokens: tokens}, nil
}

// Authenticate accepts the token from the Authorization header (Bearer
// scheme) or the token query parameter, which SSE clients need since they
// cannot set headers.
func (a *StaticTokenAuth) Authenticate(r *http.Request) (Identity, error) {
	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Identity{}, fmt.Errorf("missing credentials")
	}
	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, fmt.Errorf("unknown credentials")
	}
	return id, nil
}

// requireAuth resolves the caller identity or fails with 401.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id, err := s.auth.Authenticate(c.Request())
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
		}
		c.Set(identityKey, id)
		return next(c)
	}
}

// identityFrom returns the identity the auth middleware stored.
func identityFrom(c *echo.Context) Identity {
	id, _ := c.Get(identityKey).(Identity)
	return id
}
