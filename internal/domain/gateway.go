package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GatewayConfig enables the public gateway for a project. At most one per
// project; CustomDomain, when set, is unique across all gateways.
type GatewayConfig struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Enabled      bool      `json:"enabled"`
	CustomDomain string    `json:"custom_domain,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CORSPolicy describes the CORS behavior of a route.
type CORSPolicy struct {
	AllowOrigins     []string `json:"allow_origins,omitempty"`
	AllowMethods     []string `json:"allow_methods,omitempty"`
	AllowHeaders     []string `json:"allow_headers,omitempty"`
	ExposeHeaders    []string `json:"expose_headers,omitempty"`
	AllowCredentials bool     `json:"allow_credentials,omitempty"`
	MaxAgeSeconds    int      `json:"max_age_seconds,omitempty"`
}

// GatewayRoute maps a path template to a target function. Path templates may
// contain `{param}` segments. Within one gateway no two routes may match the
// same concrete (method, path) pair.
type GatewayRoute struct {
	ID          string      `json:"id"`
	GatewayID   string      `json:"gateway_id"`
	Path        string      `json:"path"`
	Methods     []string    `json:"methods,omitempty"` // empty = all methods
	FunctionID  string      `json:"function_id"`
	PathRewrite string      `json:"path_rewrite,omitempty"`
	CORS        *CORSPolicy `json:"cors,omitempty"`
	AuthMethods []string    `json:"auth_methods,omitempty"` // bound auth method IDs, in order
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// AuthMethodType enumerates gateway authentication mechanisms.
type AuthMethodType string

const (
	AuthBasic      AuthMethodType = "basic_auth"
	AuthBearerJWT  AuthMethodType = "bearer_jwt"
	AuthAPIKey     AuthMethodType = "api_key"
	AuthMiddleware AuthMethodType = "middleware"
)

// IsValidAuthMethodType returns true if the type is recognized.
func IsValidAuthMethodType(t AuthMethodType) bool {
	switch t {
	case AuthBasic, AuthBearerJWT, AuthAPIKey, AuthMiddleware:
		return true
	}
	return false
}

// JWTMode selects the verification source for a bearer_jwt auth method.
type JWTMode string

const (
	JWTModeFixedSecret   JWTMode = "fixed_secret"
	JWTModeMicrosoft     JWTMode = "microsoft"
	JWTModeGoogle        JWTMode = "google"
	JWTModeGitHub        JWTMode = "github"
	JWTModeJWKSEndpoint  JWTMode = "jwks_endpoint"
	JWTModeOIDCDiscovery JWTMode = "oidc_discovery"
)

// AuthMethod is a named authentication mechanism attached to a gateway.
// Config's schema depends on Type; Validate checks it.
type AuthMethod struct {
	ID        string          `json:"id"`
	GatewayID string          `json:"gateway_id"`
	Name      string          `json:"name"`
	Type      AuthMethodType  `json:"type"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BasicAuthConfig is the config schema for basic_auth methods.
type BasicAuthConfig struct {
	Credentials []BasicCredential `json:"credentials"`
}

// BasicCredential is a single username/password pair.
type BasicCredential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// BearerJWTConfig is the config schema for bearer_jwt methods.
type BearerJWTConfig struct {
	JWTMode   JWTMode `json:"jwtMode"`
	JWTSecret string  `json:"jwtSecret,omitempty"`
	TenantID  string  `json:"tenantId,omitempty"`
	JWKSURL   string  `json:"jwksUrl,omitempty"`
	OIDCURL   string  `json:"oidcUrl,omitempty"`
	Audience  string  `json:"audience,omitempty"`
	Issuer    string  `json:"issuer,omitempty"`
}

// APIKeyConfig is the config schema for api_key methods.
type APIKeyConfig struct {
	APIKeys []string `json:"apiKeys"`
}

// MiddlewareConfig is the config schema for middleware methods. The named
// function is invoked as an authorizer; a 2xx response admits the request.
type MiddlewareConfig struct {
	FunctionID string `json:"functionId"`
}

// Validate checks that Config matches the schema dictated by Type.
func (m *AuthMethod) Validate() error {
	switch m.Type {
	case AuthBasic:
		var cfg BasicAuthConfig
		if err := json.Unmarshal(m.Config, &cfg); err != nil {
			return fmt.Errorf("basic_auth config: %w", err)
		}
		if len(cfg.Credentials) == 0 {
			return fmt.Errorf("basic_auth config: credentials required")
		}
		for i, c := range cfg.Credentials {
			if c.Username == "" {
				return fmt.Errorf("basic_auth config: credential %d has empty username", i)
			}
		}
	case AuthBearerJWT:
		var cfg BearerJWTConfig
		if err := json.Unmarshal(m.Config, &cfg); err != nil {
			return fmt.Errorf("bearer_jwt config: %w", err)
		}
		switch cfg.JWTMode {
		case JWTModeFixedSecret:
			if cfg.JWTSecret == "" {
				return fmt.Errorf("bearer_jwt config: jwtSecret required for fixed_secret")
			}
		case JWTModeMicrosoft:
			if cfg.TenantID == "" {
				return fmt.Errorf("bearer_jwt config: tenantId required for microsoft")
			}
		case JWTModeGoogle, JWTModeGitHub:
			// no extra fields
		case JWTModeJWKSEndpoint:
			if err := validateHTTPURL(cfg.JWKSURL); err != nil {
				return fmt.Errorf("bearer_jwt config: jwksUrl: %w", err)
			}
		case JWTModeOIDCDiscovery:
			if err := validateHTTPURL(cfg.OIDCURL); err != nil {
				return fmt.Errorf("bearer_jwt config: oidcUrl: %w", err)
			}
		default:
			return fmt.Errorf("bearer_jwt config: unknown jwtMode %q", cfg.JWTMode)
		}
	case AuthAPIKey:
		var cfg APIKeyConfig
		if err := json.Unmarshal(m.Config, &cfg); err != nil {
			return fmt.Errorf("api_key config: %w", err)
		}
		if len(cfg.APIKeys) == 0 {
			return fmt.Errorf("api_key config: apiKeys required")
		}
		for i, k := range cfg.APIKeys {
			if k == "" {
				return fmt.Errorf("api_key config: key %d is empty", i)
			}
		}
	case AuthMiddleware:
		var cfg MiddlewareConfig
		if err := json.Unmarshal(m.Config, &cfg); err != nil {
			return fmt.Errorf("middleware config: %w", err)
		}
		if cfg.FunctionID == "" {
			return fmt.Errorf("middleware config: functionId required")
		}
	default:
		return fmt.Errorf("unknown auth method type %q", m.Type)
	}
	return nil
}

func validateHTTPURL(u string) error {
	if u == "" {
		return fmt.Errorf("required")
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return fmt.Errorf("must be an http or https URL")
	}
	return nil
}

// RouteAuthBinding associates a route with an auth method. A route is
// authorized if any bound method accepts the request.
type RouteAuthBinding struct {
	RouteID      string `json:"route_id"`
	AuthMethodID string `json:"auth_method_id"`
	Position     int    `json:"position"`
}
