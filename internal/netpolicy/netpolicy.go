// Package netpolicy evaluates egress rules for sandboxed handlers. Project
// rules are consulted before global rules, first match wins, and a
// destination no rule matches is denied.
package netpolicy

import (
	"context"
	"net"
	"strings"

	"github.com/heliosfn/helios/internal/domain"
	"github.com/heliosfn/helios/internal/fault"
)

// Destination is one outbound connection attempt. Host is the literal the
// handler dialed; IPs carries the resolution result when the host is a name,
// or the parsed literal itself.
type Destination struct {
	Host string
	IPs  []net.IP
}

// Merge orders project rules before global rules, each stable-sorted by
// ascending priority. Store queries already sort each list; Merge preserves
// that order.
func Merge(project, global []*domain.NetworkPolicyRule) []*domain.NetworkPolicyRule {
	merged := make([]*domain.NetworkPolicyRule, 0, len(project)+len(global))
	merged = append(merged, project...)
	merged = append(merged, global...)
	return merged
}

// Evaluate returns nil when the first matching rule allows the destination,
// fault.ErrEgressDenied otherwise.
func Evaluate(rules []*domain.NetworkPolicyRule, dest Destination) error {
	for _, rule := range rules {
		if !matches(rule, dest) {
			continue
		}
		if rule.Action == domain.PolicyAllow {
			return nil
		}
		return fault.Newf(fault.KindEgressDenied, "egress to %s denied by rule %s", dest.Host, rule.ID)
	}
	return fault.Newf(fault.KindEgressDenied, "egress to %s denied: no matching rule", dest.Host)
}

func matches(rule *domain.NetworkPolicyRule, dest Destination) bool {
	switch rule.TargetType {
	case domain.PolicyTargetIP:
		target := net.ParseIP(rule.TargetValue)
		if target == nil {
			return false
		}
		for _, ip := range dest.IPs {
			if target.Equal(ip) {
				return true
			}
		}
	case domain.PolicyTargetCIDR:
		_, block, err := net.ParseCIDR(rule.TargetValue)
		if err != nil {
			return false
		}
		for _, ip := range dest.IPs {
			if block.Contains(ip) {
				return true
			}
		}
	case domain.PolicyTargetDomain:
		return matchesDomain(rule.TargetValue, dest.Host)
	}
	return false
}

// matchesDomain compares case-insensitively. A "*." prefix matches any
// subdomain of the suffix at any depth, but not the apex itself.
func matchesDomain(target, host string) bool {
	target = strings.ToLower(strings.TrimSuffix(target, "."))
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "" {
		return false
	}
	if rest, ok := strings.CutPrefix(target, "*."); ok {
		return strings.HasSuffix(host, "."+rest)
	}
	return host == target
}

// Resolver resolves hostnames. net.Resolver satisfies it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Resolve builds a Destination, resolving host once. The caller must
// connect to one of the returned IPs, not re-resolve, so the address that
// was checked is the address that is dialed.
func Resolve(ctx context.Context, resolver Resolver, host string) (Destination, error) {
	if ip := net.ParseIP(host); ip != nil {
		return Destination{Host: host, IPs: []net.IP{ip}}, nil
	}
	ips, err := resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return Destination{}, fault.Newf(fault.KindEgressDenied, "egress to %s denied: resolution failed: %v", host, err)
	}
	return Destination{Host: host, IPs: ips}, nil
}
