package netpolicy

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
)

func allow(targetType domain.PolicyTargetType, value string) *domain.NetworkPolicyRule {
	return &domain.NetworkPolicyRule{ID: "allow-" + value, Action: domain.PolicyAllow, TargetType: targetType, TargetValue: value}
}

func deny(targetType domain.PolicyTargetType, value string) *domain.NetworkPolicyRule {
	return &domain.NetworkPolicyRule{ID: "deny-" + value, Action: domain.PolicyDeny, TargetType: targetType, TargetValue: value}
}

func dest(host string, ips ...string) Destination {
	d := Destination{Host: host}
	for _, s := range ips {
		d.IPs = append(d.IPs, net.ParseIP(s))
	}
	return d
}

func TestDefaultDeny(t *testing.T) {
	err := Evaluate(nil, dest("api.example.com", "93.184.216.34"))
	if !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("expected egress denied with no rules, got %v", err)
	}

	rules := []*domain.NetworkPolicyRule{allow(domain.PolicyTargetDomain, "other.com")}
	if err := Evaluate(rules, dest("api.example.com", "93.184.216.34")); !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("expected egress denied with no matching rule, got %v", err)
	}
}

func TestFirstMatchWins(t *testing.T) {
	rules := []*domain.NetworkPolicyRule{
		deny(domain.PolicyTargetDomain, "api.example.com"),
		allow(domain.PolicyTargetDomain, "*.example.com"),
	}
	if err := Evaluate(rules, dest("api.example.com")); !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("expected the earlier deny to win, got %v", err)
	}
	if err := Evaluate(rules, dest("cdn.example.com")); err != nil {
		t.Fatalf("expected the wildcard allow for an unlisted subdomain, got %v", err)
	}
}

func TestProjectRulesPrecedeGlobal(t *testing.T) {
	project := []*domain.NetworkPolicyRule{allow(domain.PolicyTargetDomain, "internal.example.com")}
	global := []*domain.NetworkPolicyRule{deny(domain.PolicyTargetDomain, "internal.example.com")}

	merged := Merge(project, global)
	if err := Evaluate(merged, dest("internal.example.com")); err != nil {
		t.Fatalf("project allow should shadow global deny, got %v", err)
	}
}

func TestDomainWildcard(t *testing.T) {
	rules := []*domain.NetworkPolicyRule{allow(domain.PolicyTargetDomain, "*.example.com")}

	cases := []struct {
		host    string
		allowed bool
	}{
		{"api.example.com", true},
		{"a.b.example.com", true}, // wildcard spans multiple levels
		{"example.com", false},    // apex is not a subdomain
		{"evilexample.com", false},
		{"API.EXAMPLE.COM", true},
	}
	for _, c := range cases {
		err := Evaluate(rules, dest(c.host))
		if c.allowed && err != nil {
			t.Errorf("host %s: expected allow, got %v", c.host, err)
		}
		if !c.allowed && err == nil {
			t.Errorf("host %s: expected deny", c.host)
		}
	}
}

func TestExactDomain(t *testing.T) {
	rules := []*domain.NetworkPolicyRule{allow(domain.PolicyTargetDomain, "example.com")}
	if err := Evaluate(rules, dest("example.com")); err != nil {
		t.Fatalf("exact match: %v", err)
	}
	if err := Evaluate(rules, dest("api.example.com")); err == nil {
		t.Fatal("exact rule must not match a subdomain")
	}
}

func TestIPAndCIDRMatch(t *testing.T) {
	rules := []*domain.NetworkPolicyRule{
		allow(domain.PolicyTargetIP, "10.0.0.5"),
		allow(domain.PolicyTargetCIDR, "192.168.0.0/16"),
	}

	if err := Evaluate(rules, dest("10.0.0.5", "10.0.0.5")); err != nil {
		t.Fatalf("ip literal: %v", err)
	}
	if err := Evaluate(rules, dest("db.internal", "192.168.4.7")); err != nil {
		t.Fatalf("cidr via resolved hostname: %v", err)
	}
	if err := Evaluate(rules, dest("10.0.0.6", "10.0.0.6")); !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("expected deny for unmatched ip, got %v", err)
	}
}

func TestDenyCIDRBlocksResolvedHost(t *testing.T) {
	rules := []*domain.NetworkPolicyRule{
		deny(domain.PolicyTargetCIDR, "10.0.0.0/8"),
		allow(domain.PolicyTargetDomain, "*.example.com"),
	}
	// hostname is covered by the allow, but it resolves into the denied
	// block and the deny comes first
	err := Evaluate(rules, dest("api.example.com", "10.1.2.3"))
	if !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("expected resolved address deny, got %v", err)
	}
}

type staticResolver map[string][]net.IP

func (r staticResolver) LookupIP(_ context.Context, _ string, host string) ([]net.IP, error) {
	ips, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	return ips, nil
}

func TestResolveOnce(t *testing.T) {
	r := staticResolver{"api.example.com": {net.ParseIP("93.184.216.34")}}

	d, err := Resolve(context.Background(), r, "api.example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(d.IPs) != 1 || d.IPs[0].String() != "93.184.216.34" {
		t.Fatalf("unexpected resolution %v", d.IPs)
	}

	// IP literals bypass the resolver entirely
	d, err = Resolve(context.Background(), r, "203.0.113.9")
	if err != nil {
		t.Fatalf("Resolve literal: %v", err)
	}
	if len(d.IPs) != 1 || d.IPs[0].String() != "203.0.113.9" {
		t.Fatalf("unexpected literal resolution %v", d.IPs)
	}

	if _, err := Resolve(context.Background(), r, "missing.example.com"); !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("resolution failure should read as denial, got %v", err)
	}
}

func TestGuardedDialerDeniesBeforeDial(t *testing.T) {
	g := NewGuardedDialer(func() []*domain.NetworkPolicyRule { return nil })
	g.resolver = staticResolver{"blocked.example.com": {net.ParseIP("198.51.100.1")}}

	_, err := g.DialContext(context.Background(), "tcp", "blocked.example.com:443")
	if !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("expected denial before any connection, got %v", err)
	}

	_, err = g.DialContext(context.Background(), "tcp", "no-port.example.com")
	if !errors.Is(err, fault.ErrEgressDenied) {
		t.Fatalf("expected malformed address denial, got %v", err)
	}
}

func TestGuardedDialerEmptyResolution(t *testing.T) {
	g := NewGuardedDialer(func() []*domain.NetworkPolicyRule {
		return []*domain.NetworkPolicyRule{allow(domain.PolicyTargetDomain, "empty.example.com")}
	})
	g.resolver = staticResolver{"empty.example.com": {}}

	conn, err := g.DialContext(context.Background(), "tcp", "empty.example.com:443")
	if err == nil {
		t.Fatal("expected an error when resolution yields no addresses")
	}
	if conn != nil {
		t.Fatal("no connection must be handed back")
	}
}
