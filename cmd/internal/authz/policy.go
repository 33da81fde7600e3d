package authz

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ActionKind names a reward-granting action.
type ActionKind string

const (
	ActionFaucetClaim ActionKind = "faucet_claim"
	ActionAdWatch     ActionKind = "ad_watch"
	ActionAdComplete  ActionKind = "ad_complete"
	ActionTaskSubmit  ActionKind = "task_submit"
	ActionWithdrawal  ActionKind = "withdrawal"
	ActionPeeredAd    ActionKind = "peered_ad"
)

// Policy is the per-kind issuance policy.
type Policy struct {
	MinTime  time.Duration
	TTL      time.Duration
	Required []string
}

// Policies maps every known action kind to its policy. A kind absent from the
// table is unknown and cannot be issued.
type Policies map[ActionKind]Policy

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() Policies {
	return Policies{
		ActionFaucetClaim: {MinTime: 5 * time.Second, TTL: 5 * time.Minute},
		ActionAdWatch:     {MinTime: 10 * time.Second, TTL: 10 * time.Minute, Required: []string{"provider"}},
		ActionAdComplete:  {MinTime: 15 * time.Second, TTL: 10 * time.Minute, Required: []string{"provider"}},
		ActionTaskSubmit:  {MinTime: 10 * time.Second, TTL: time.Hour, Required: []string{"task_id"}},
		ActionWithdrawal:  {MinTime: 3 * time.Second, TTL: 5 * time.Minute, Required: []string{"amount", "method"}},
		ActionPeeredAd:    {MinTime: 0, TTL: 30 * time.Minute, Required: []string{"group_index"}},
	}
}

// Lookup returns the policy for kind.
func (p Policies) Lookup(kind ActionKind) (Policy, bool) {
	pol, ok := p[kind]
	return pol, ok
}

// Kinds returns the known kinds in sorted order.
func (p Policies) Kinds() []ActionKind {
	out := make([]ActionKind, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a deep copy.
func (p Policies) Clone() Policies {
	out := make(Policies, len(p))
	for k, v := range p {
		req := make([]string, len(v.Required))
		copy(req, v.Required)
		v.Required = req
		out[k] = v
	}
	return out
}

// Validate checks every entry. A token whose minimum time reaches its TTL could
// never be consumed, so MinTime must stay below TTL.
func (p Policies) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty policy table", ErrInvalidInput)
	}
	for kind, pol := range p {
		if strings.TrimSpace(string(kind)) == "" {
			return fmt.Errorf("%w: empty action kind", ErrInvalidInput)
		}
		if pol.TTL <= 0 || pol.MinTime < 0 || pol.MinTime >= pol.TTL {
			return fmt.Errorf("%w: policy %s: min_time=%s ttl=%s", ErrInvalidInput, kind, pol.MinTime, pol.TTL)
		}
		for _, f := range pol.Required {
			if !validContextKey(f) {
				return fmt.Errorf("%w: policy %s: required field %q", ErrInvalidInput, kind, f)
			}
		}
	}
	return nil
}
