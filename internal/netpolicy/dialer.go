package netpolicy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
)

// RuleSource supplies the merged rule list at dial time, so a dialer built
// once per invocation still sees policy invalidations that land mid-flight.
type RuleSource func() []*domain.NetworkPolicyRule

// GuardedDialer produces connections only to destinations the policy
// allows. The hostname is resolved once; the evaluation and the connect use
// the same addresses.
type GuardedDialer struct {
	rules    RuleSource
	resolver Resolver
	dialer   *net.Dialer
}

// NewGuardedDialer builds a dialer over the given rule source.
func NewGuardedDialer(rules RuleSource) *GuardedDialer {
	return &GuardedDialer{
		rules:    rules,
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: 10 * time.Second},
	}
}

// DialContext resolves, evaluates, then connects to one of the checked
// addresses. Implements the transport DialContext signature.
func (g *GuardedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fault.Newf(fault.KindEgressDenied, "egress to %q denied: malformed address", addr)
	}

	dest, err := Resolve(ctx, g.resolver, host)
	if err != nil {
		return nil, err
	}
	if err := Evaluate(g.rules(), dest); err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range dest.IPs {
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fault.Newf(fault.KindEgressDenied, "egress to %s denied: no addresses resolved", host)
	}
	return nil, lastErr
}

// HTTPClient returns a client whose every connection passes through the
// guard, for the sandbox fetch capability.
func (g *GuardedDialer) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           g.DialContext,
			MaxIdleConns:          4,
			IdleConnTimeout:       30 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}
