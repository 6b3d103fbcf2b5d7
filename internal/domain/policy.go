package domain

import "time"

// PolicyAction is the outcome of a matching network policy rule.
type PolicyAction string

const (
	PolicyAllow PolicyAction = "allow"
	PolicyDeny  PolicyAction = "deny"
)

// IsValidPolicyAction returns true if the action is recognized.
func IsValidPolicyAction(a PolicyAction) bool {
	return a == PolicyAllow || a == PolicyDeny
}

// PolicyTargetType selects how a rule's target value is interpreted.
type PolicyTargetType string

const (
	PolicyTargetIP     PolicyTargetType = "ip"
	PolicyTargetCIDR   PolicyTargetType = "cidr"
	PolicyTargetDomain PolicyTargetType = "domain"
)

// IsValidPolicyTargetType returns true if the target type is recognized.
func IsValidPolicyTargetType(t PolicyTargetType) bool {
	switch t {
	case PolicyTargetIP, PolicyTargetCIDR, PolicyTargetDomain:
		return true
	}
	return false
}

// NetworkPolicyRule is a single egress rule. ProjectID is empty for global
// rules. Lower Priority values are evaluated first; the first matching
// rule's action decides the outcome, and no match means deny.
type NetworkPolicyRule struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id,omitempty"` // empty = global
	Action      PolicyAction     `json:"action"`
	TargetType  PolicyTargetType `json:"target_type"`
	TargetValue string           `json:"target_value"`
	Priority    int              `json:"priority"`
	Description string           `json:"description,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
