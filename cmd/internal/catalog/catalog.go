// Package catalog loads the reward catalog: action policy overrides, ad
// providers with their rewards, and peered provider groups.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"claimgate/cmd/internal/authz"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidCatalog  = errors.New("catalog: invalid")
	ErrUnknownProvider = errors.New("catalog: unknown provider")
	ErrUnknownGroup    = errors.New("catalog: unknown group")
)

const (
	// MaxProviderIDLen bounds provider ids as the session services do.
	MaxProviderIDLen = 64
	// MaxRewardScale is the number of fractional digits the stores keep.
	MaxRewardScale = 10
	// MaxRewardIntDigits is the number of integer digits the stores keep.
	MaxRewardIntDigits = 20
)

// Limits are the session bounds the catalog must fit inside.
type Limits struct {
	AdMaxAge     time.Duration
	PeeredMaxAge time.Duration
	MaxProviders int
}

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Provider is one ad network offered to users.
type Provider struct {
	ID       string
	Reward   decimal.Decimal
	MinWatch time.Duration
}

// Group is a bundle of providers completed in one peered session.
type Group struct {
	Index        int
	Providers    []string
	Reward       decimal.Decimal
	MinTimePerAd time.Duration
	// Config is passed to clients untouched, as JSON.
	Config json.RawMessage
}

// Catalog is the resolved, validated catalog.
type Catalog struct {
	policies  authz.Policies
	providers map[string]Provider
	groups    map[int]Group
}

type policyFile struct {
	MinTime  *Duration `yaml:"min_time"`
	TTL      *Duration `yaml:"ttl"`
	Required []string  `yaml:"required"`
}

type providerFile struct {
	ID       string   `yaml:"id"`
	Reward   string   `yaml:"reward"`
	MinWatch Duration `yaml:"min_watch"`
}

type groupFile struct {
	Index        int                       `yaml:"index"`
	Providers    []string                  `yaml:"providers"`
	Reward       string                    `yaml:"reward"`
	MinTimePerAd Duration                  `yaml:"min_time_per_ad"`
	Config       map[string]map[string]any `yaml:"config"`
}

type file struct {
	Policies  map[string]policyFile `yaml:"policies"`
	Providers []providerFile        `yaml:"providers"`
	Groups    []groupFile           `yaml:"groups"`
}

// Default returns the built-in policies with no providers or groups.
func Default() *Catalog {
	return &Catalog{
		policies:  authz.DefaultPolicies(),
		providers: map[string]Provider{},
		groups:    map[int]Group{},
	}
}

// Load reads a catalog from a YAML file. An empty path yields Default.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a catalog document.
func Parse(r io.Reader) (*Catalog, error) {
	var doc file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	c := Default()
	for name, pf := range doc.Policies {
		kind := authz.ActionKind(strings.TrimSpace(name))
		pol := c.policies[kind]
		if pf.MinTime != nil {
			pol.MinTime = pf.MinTime.Duration
		}
		if pf.TTL != nil {
			pol.TTL = pf.TTL.Duration
		}
		if pf.Required != nil {
			pol.Required = append([]string(nil), pf.Required...)
		}
		c.policies[kind] = pol
	}
	if err := c.policies.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	for _, pf := range doc.Providers {
		id := strings.TrimSpace(pf.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: provider id required", ErrInvalidCatalog)
		}
		if len(id) > MaxProviderIDLen {
			return nil, fmt.Errorf("%w: provider id longer than %d", ErrInvalidCatalog, MaxProviderIDLen)
		}
		if _, dup := c.providers[id]; dup {
			return nil, fmt.Errorf("%w: duplicate provider %s", ErrInvalidCatalog, id)
		}
		reward, err := parseReward(pf.Reward)
		if err != nil {
			return nil, fmt.Errorf("%w: provider %s reward: %v", ErrInvalidCatalog, id, err)
		}
		if pf.MinWatch.Duration < 0 {
			return nil, fmt.Errorf("%w: provider %s min_watch must be non-negative", ErrInvalidCatalog, id)
		}
		c.providers[id] = Provider{ID: id, Reward: reward, MinWatch: pf.MinWatch.Duration}
	}

	for _, gf := range doc.Groups {
		g, err := c.resolveGroup(gf)
		if err != nil {
			return nil, err
		}
		c.groups[g.Index] = g
	}
	return c, nil
}

func (c *Catalog) resolveGroup(gf groupFile) (Group, error) {
	if gf.Index < 0 {
		return Group{}, fmt.Errorf("%w: group index must be non-negative", ErrInvalidCatalog)
	}
	if _, dup := c.groups[gf.Index]; dup {
		return Group{}, fmt.Errorf("%w: duplicate group %d", ErrInvalidCatalog, gf.Index)
	}
	if len(gf.Providers) == 0 {
		return Group{}, fmt.Errorf("%w: group %d has no providers", ErrInvalidCatalog, gf.Index)
	}
	if gf.MinTimePerAd.Duration < 0 {
		return Group{}, fmt.Errorf("%w: group %d min_time_per_ad must be non-negative", ErrInvalidCatalog, gf.Index)
	}
	g := Group{Index: gf.Index, MinTimePerAd: gf.MinTimePerAd.Duration}
	sum := decimal.Zero
	for _, raw := range gf.Providers {
		id := strings.TrimSpace(raw)
		p, ok := c.providers[id]
		if !ok {
			return Group{}, fmt.Errorf("%w: group %d references unknown provider %q", ErrInvalidCatalog, gf.Index, id)
		}
		for _, seen := range g.Providers {
			if seen == id {
				return Group{}, fmt.Errorf("%w: group %d lists %s twice", ErrInvalidCatalog, gf.Index, id)
			}
		}
		g.Providers = append(g.Providers, id)
		sum = sum.Add(p.Reward)
	}
	if strings.TrimSpace(gf.Reward) == "" {
		if err := CheckReward(sum); err != nil {
			return Group{}, fmt.Errorf("%w: group %d summed reward: %v", ErrInvalidCatalog, gf.Index, err)
		}
		g.Reward = sum
	} else {
		reward, err := parseReward(gf.Reward)
		if err != nil {
			return Group{}, fmt.Errorf("%w: group %d reward: %v", ErrInvalidCatalog, gf.Index, err)
		}
		g.Reward = reward
	}
	if len(gf.Config) > 0 {
		raw, err := json.Marshal(gf.Config)
		if err != nil {
			return Group{}, fmt.Errorf("%w: group %d config: %v", ErrInvalidCatalog, gf.Index, err)
		}
		g.Config = raw
	}
	return g, nil
}

// Check verifies that every provider and group fits the session limits, so a
// catalog the services would refuse at request time is refused at startup.
// Zero limits are not checked.
func (c *Catalog) Check(l Limits) error {
	for _, id := range c.ProviderIDs() {
		p := c.providers[id]
		if l.AdMaxAge > 0 && p.MinWatch >= l.AdMaxAge {
			return fmt.Errorf("%w: provider %s min_watch %s must be below ad session max age %s", ErrInvalidCatalog, id, p.MinWatch, l.AdMaxAge)
		}
	}
	indexes := make([]int, 0, len(c.groups))
	for idx := range c.groups {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		g := c.groups[idx]
		if l.PeeredMaxAge > 0 && g.MinTimePerAd >= l.PeeredMaxAge {
			return fmt.Errorf("%w: group %d min_time_per_ad %s must be below peered max age %s", ErrInvalidCatalog, idx, g.MinTimePerAd, l.PeeredMaxAge)
		}
		if l.MaxProviders > 0 && len(g.Providers) > l.MaxProviders {
			return fmt.Errorf("%w: group %d has %d providers, limit is %d", ErrInvalidCatalog, idx, len(g.Providers), l.MaxProviders)
		}
	}
	return nil
}

// CheckReward reports whether d is storable without rounding.
func CheckReward(d decimal.Decimal) error {
	if d.IsNegative() {
		return errors.New("must be non-negative")
	}
	if !d.Round(MaxRewardScale).Equal(d) {
		return fmt.Errorf("more than %d decimal places", MaxRewardScale)
	}
	if d.GreaterThanOrEqual(decimal.New(1, MaxRewardIntDigits)) {
		return fmt.Errorf("more than %d integer digits", MaxRewardIntDigits)
	}
	return nil
}

// Policies returns a copy of the action policy table.
func (c *Catalog) Policies() authz.Policies {
	return c.policies.Clone()
}

// Provider looks up a provider by id.
func (c *Catalog) Provider(id string) (Provider, error) {
	p, ok := c.providers[strings.TrimSpace(id)]
	if !ok {
		return Provider{}, ErrUnknownProvider
	}
	return p, nil
}

// Group looks up a peered group by index.
func (c *Catalog) Group(index int) (Group, error) {
	g, ok := c.groups[index]
	if !ok {
		return Group{}, ErrUnknownGroup
	}
	out := g
	out.Providers = append([]string(nil), g.Providers...)
	return out, nil
}

// ProviderIDs lists provider ids in sorted order.
func (c *Catalog) ProviderIDs() []string {
	out := make([]string, 0, len(c.providers))
	for id := range c.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func parseReward(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if err := CheckReward(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}
