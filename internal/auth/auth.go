// Package auth verifies OIDC bearer tokens on the operator API and resolves
// the caller's client from the token's email domain.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/labstack/echo/v4"

	"enrichflow/backend/internal/config"
	"enrichflow/backend/internal/repository"
	"enrichflow/backend/pkg/models"
)

// ClientIDKey is the echo context key carrying the resolved client id.
const ClientIDKey = "client_id"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Store is the slice of the repository auth needs for client resolution.
type Store interface {
	GetClientByDomain(ctx context.Context, domain string) (*models.Client, error)
	CreateClient(ctx context.Context, client *models.Client) error
}

// Verifier abstracts *oidc.IDTokenVerifier for tests.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*oidc.IDToken, error)
}

// Auth holds the token verifier and client resolution helpers for the
// operator API. Only bearer tokens are accepted; there is no browser flow.
type Auth struct {
	verifier Verifier
	store    Store
	logger   Logger
	bypass   bool
}

// New creates an Auth using values from the application configuration. In a
// DEV environment with dev_mode_bypass set, token verification is skipped
// entirely.
func New(ctx context.Context, cfg *config.Config, store Store, logger Logger) (*Auth, error) {
	isDev := strings.ToUpper(cfg.Environment) == "DEV"
	shouldBypass := isDev && cfg.DevModeBypass

	var verifier Verifier
	if !shouldBypass {
		if cfg.Auth.IssuerURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}
		provider, err := oidc.NewProvider(ctx, cfg.Auth.IssuerURL)
		if err != nil {
			return nil, err
		}
		// Access tokens often carry an API audience rather than the client id
		verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		verifier: verifier,
		store:    store,
		logger:   logger,
		bypass:   shouldBypass,
	}, nil
}

// NewWithVerifier creates an Auth with an explicit verifier. Used by tests.
func NewWithVerifier(verifier Verifier, store Store, logger Logger) *Auth {
	return &Auth{verifier: verifier, store: store, logger: logger}
}

// RequireAuth is echo middleware that validates the bearer token and injects
// the resolved client id into the request context.
func (a *Auth) RequireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		var email string

		if a.bypass {
			email = "dev@localhost"
		} else {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			token, err := a.verifier.Verify(c.Request().Context(), raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token: "+err.Error())
			}

			var claims struct {
				Email string `json:"email"`
			}
			if err := token.Claims(&claims); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "failed to parse token claims")
			}
			email = claims.Email
		}

		clientID, err := a.resolveClient(c.Request().Context(), email)
		if err != nil {
			return err
		}

		c.Set(ClientIDKey, clientID)
		return next(c)
	}
}

// resolveClient maps the token's email domain to a client row, provisioning
// one on first sight.
func (a *Auth) resolveClient(ctx context.Context, email string) (string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid email in token")
	}
	domain := parts[1]

	client, err := a.store.GetClientByDomain(ctx, domain)
	if errors.Is(err, repository.ErrNotFound) {
		client = &models.Client{Name: domain, Domain: domain}
		if createErr := a.store.CreateClient(ctx, client); createErr != nil {
			a.logger.Error("failed to provision client", "domain", domain, "error", createErr)
			return "", echo.NewHTTPError(http.StatusInternalServerError, "failed to provision client")
		}
		a.logger.Info("provisioned client", "domain", domain, "id", client.ID)
	} else if err != nil {
		return "", echo.NewHTTPError(http.StatusInternalServerError, "client lookup failed")
	}

	return client.ID, nil
}
