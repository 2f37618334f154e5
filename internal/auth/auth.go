// Package auth verifies bearer tokens against an OpenID Connect provider and
// resolves them to an Identity (user, organization, admin flag) carried on
// the request context. Session issuance and login flows live with the
// identity provider; this package only consumes tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"

	"loopboard/backend/internal/config"
	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/repository"
	"loopboard/backend/pkg/models"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	OrgID  string
	Email  string
	Admin  bool
}

type ctxKey struct{}

// WithIdentity returns a context carrying the identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the identity placed by RequireAuth.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Auth verifies bearer tokens and resolves identities.
type Auth struct {
	verifier *oidc.IDTokenVerifier
	store    repository.Store
	logger   *logging.Logger
	bypass   bool
}

// New creates an Auth from the application configuration. In DEV with
// dev_mode_bypass enabled, no provider connection is made and identities are
// taken from request headers instead.
func New(ctx context.Context, cfg *config.Config, store repository.Store, logger *logging.Logger) (*Auth, error) {
	isDev := strings.ToUpper(cfg.Environment) == "DEV"
	bypass := isDev && cfg.Auth.DevModeBypass

	var verifier *oidc.IDTokenVerifier
	if !bypass {
		if cfg.Auth.Issuer == "" {
			return nil, errors.New("auth configuration is incomplete: issuer is required")
		}
		provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
		if err != nil {
			return nil, err
		}
		// Access tokens often carry an audience other than our client id.
		verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		verifier: verifier,
		store:    store,
		logger:   logger,
		bypass:   bypass,
	}, nil
}

// RequireAuth is middleware that ensures a valid bearer token is present,
// resolves the caller's user and organization (auto-provisioning both on
// first sight, keyed by email domain) and injects the Identity into the
// request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var email, name string

		if a.bypass {
			email = r.Header.Get("X-Dev-Email")
			if email == "" {
				email = "dev@localhost"
			}
			name = "Dev User"
		} else {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token, err := a.verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}
			var claims struct {
				Email string `json:"email"`
				Name  string `json:"name"`
			}
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
			email = claims.Email
			name = claims.Name
		}

		identity, err := a.resolve(r.Context(), email, name)
		if err != nil {
			a.logger.Error("failed to resolve identity", "email", email, "error", err)
			http.Error(w, "failed to resolve identity", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// resolve maps an email to a user and organization, auto-provisioning both
// so the first caller from a new domain gets a working account.
func (a *Auth) resolve(ctx context.Context, email, name string) (Identity, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return Identity{}, errors.New("invalid email format in token")
	}
	domain := parts[1]

	org, err := a.store.GetOrganizationByDomain(ctx, domain)
	if errors.Is(err, repository.ErrNotFound) {
		org = &models.Organization{Name: domain, Domain: domain}
		if err := a.store.CreateOrganization(ctx, org); err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	}

	user, err := a.store.GetUserByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		user = &models.User{OrgID: org.ID, Name: name, Email: email}
		if err := a.store.CreateUser(ctx, user); err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	}

	return Identity{
		UserID: user.ID,
		OrgID:  org.ID,
		Email:  email,
		Admin:  org.IsAdmin(user.ID),
	}, nil
}
