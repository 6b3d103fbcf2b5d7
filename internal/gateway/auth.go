package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
	"github.com/heliosfn/helios/internal/logging"
	"github.com/heliosfn/helios/internal/metrics"
)

// authenticator evaluates a route's bound auth methods. A route with no
// bound methods is open; otherwise any one accepting method admits the
// request.
type authenticator struct {
	jwks        *jwksCache
	executorURL string
	authTimeout time.Duration
	client      *http.Client
}

func newAuthenticator(executorURL string, authTimeout time.Duration) *authenticator {
	client := &http.Client{Timeout: authTimeout}
	return &authenticator{
		jwks:        newJWKSCache(&http.Client{Timeout: 10 * time.Second}),
		executorURL: strings.TrimRight(executorURL, "/"),
		authTimeout: authTimeout,
		client:      client,
	}
}

// middlewareRejection carries an authorizer function's verdict back to the
// client verbatim.
type middlewareRejection struct {
	Status int
	Header http.Header
	Body   []byte
}

func (m *middlewareRejection) Error() string {
	return fmt.Sprintf("middleware rejected with status %d", m.Status)
}

// authorize runs the route's auth methods in binding order and admits the
// request on the first success.
func (a *authenticator) authorize(ctx context.Context, r *http.Request, res *Resolution) error {
	ids := res.Route.route.AuthMethods
	if len(ids) == 0 {
		return nil
	}

	var lastErr error
	for _, id := range ids {
		method, ok := res.Entry.methods[id]
		if !ok {
			logging.Op().Warn("route references unknown auth method", "route", res.Route.route.ID, "auth_method", id)
			continue
		}
		err := a.evaluate(ctx, r, method)
		if err == nil {
			return nil
		}
		metrics.Global().RecordAuthFailure(string(method.Type))

		// timeouts and middleware verdicts stop the chain; a plain
		// credential mismatch falls through to the next method
		if fault.KindOf(err) == fault.KindAuthTimeout {
			return err
		}
		var rej *middlewareRejection
		if errors.As(err, &rej) {
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fault.New(fault.KindUnauthorized, "no usable auth method")
	}
	return lastErr
}

func (a *authenticator) evaluate(ctx context.Context, r *http.Request, method *domain.AuthMethod) error {
	switch method.Type {
	case domain.AuthBasic:
		return a.checkBasic(r, method.Config)
	case domain.AuthAPIKey:
		return a.checkAPIKey(r, method.Config)
	case domain.AuthBearerJWT:
		return a.checkBearerJWT(ctx, r, method.Config)
	case domain.AuthMiddleware:
		return a.checkMiddleware(ctx, r, method.Config)
	}
	return fault.Newf(fault.KindInternal, "unknown auth method type %q", method.Type)
}

func (a *authenticator) checkBasic(r *http.Request, raw json.RawMessage) error {
	var cfg domain.BasicAuthConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fault.Wrap(fault.KindInternal, "basic_auth config", err)
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return fault.New(fault.KindUnauthorized, "basic credentials required")
	}
	for _, c := range cfg.Credentials {
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
		if userOK && passOK {
			return nil
		}
	}
	return fault.New(fault.KindUnauthorized, "invalid credentials")
}

func (a *authenticator) checkAPIKey(r *http.Request, raw json.RawMessage) error {
	var cfg domain.APIKeyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fault.Wrap(fault.KindInternal, "api_key config", err)
	}

	presented := r.Header.Get("x-api-key")
	if presented == "" {
		presented = bearerToken(r)
	}
	if presented == "" {
		return fault.New(fault.KindUnauthorized, "api key required")
	}
	for _, key := range cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			return nil
		}
	}
	return fault.New(fault.KindUnauthorized, "invalid api key")
}

func (a *authenticator) checkBearerJWT(ctx context.Context, r *http.Request, raw json.RawMessage) error {
	var cfg domain.BearerJWTConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fault.Wrap(fault.KindInternal, "bearer_jwt config", err)
	}

	token := bearerToken(r)
	if token == "" {
		return fault.New(fault.KindUnauthorized, "bearer token required")
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	var keyfunc jwt.Keyfunc
	if cfg.JWTMode == domain.JWTModeFixedSecret {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		keyfunc = func(*jwt.Token) (any, error) {
			return []byte(cfg.JWTSecret), nil
		}
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
		keyfunc = func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fault.New(fault.KindUnauthorized, "token has no kid")
			}
			jwksURL, err := a.jwksURLFor(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return a.jwks.keyFor(ctx, jwksURL, kid)
		}
	}

	if _, err := jwt.Parse(token, keyfunc, opts...); err != nil {
		// a jwks fetch failure is a platform fault, not a bad credential
		var fe *fault.Error
		if errors.As(err, &fe) && fe.Kind == fault.KindInternal {
			return err
		}
		return fault.Wrap(fault.KindUnauthorized, "invalid token", err)
	}
	return nil
}

func (a *authenticator) jwksURLFor(ctx context.Context, cfg domain.BearerJWTConfig) (string, error) {
	switch cfg.JWTMode {
	case domain.JWTModeJWKSEndpoint:
		return cfg.JWKSURL, nil
	case domain.JWTModeMicrosoft:
		return a.jwks.jwksURLFromDiscovery(ctx,
			fmt.Sprintf("https://login.microsoftonline.com/%s/v2.0/.well-known/openid-configuration", cfg.TenantID))
	case domain.JWTModeGoogle:
		return a.jwks.jwksURLFromDiscovery(ctx,
			"https://accounts.google.com/.well-known/openid-configuration")
	case domain.JWTModeGitHub:
		return a.jwks.jwksURLFromDiscovery(ctx,
			"https://token.actions.githubusercontent.com/.well-known/openid-configuration")
	case domain.JWTModeOIDCDiscovery:
		return a.jwks.jwksURLFromDiscovery(ctx, cfg.OIDCURL)
	}
	return "", fault.Newf(fault.KindInternal, "unknown jwt mode %q", cfg.JWTMode)
}

// checkMiddleware invokes the configured authorizer function through the
// executor. A 2xx response admits; anything else is returned to the client
// as the authorizer wrote it.
func (a *authenticator) checkMiddleware(ctx context.Context, r *http.Request, raw json.RawMessage) error {
	var cfg domain.MiddlewareConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fault.Wrap(fault.KindInternal, "middleware config", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.authTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.executorURL+"/invoke/"+cfg.FunctionID, nil)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "build authorizer request", err)
	}
	// the authorizer sees the original request's headers plus its routing
	// context, but never the body
	req.Header = r.Header.Clone()
	req.Header.Set("X-Original-Method", r.Method)
	req.Header.Set("X-Original-Path", r.URL.Path)

	res, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fault.Wrap(fault.KindAuthTimeout, "authorizer did not answer in time", err)
		}
		return fault.Wrap(fault.KindAuthTimeout, "authorizer unreachable", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	return &middlewareRejection{
		Status: res.StatusCode,
		Header: res.Header.Clone(),
		Body:   bytes.Clone(body),
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return auth[7:]
	}
	return ""
}
