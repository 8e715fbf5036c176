package tickwire

import (
	"fmt"
	"sort"
)

// SendRate controls how often value mutations for a component may be
// sent. The zero value sends on every tick. Rates only gate the
// mutate stream; structural inserts always go out.
type SendRate struct {
	kind   uint8
	period uint64
}

const (
	rateEveryTick uint8 = iota
	rateOnce
	ratePeriodic
)

// EveryTick sends mutations whenever the component changed.
func EveryTick() SendRate {
	return SendRate{kind: rateEveryTick}
}

// Once suppresses mutations entirely; only the initial insert is sent.
func Once() SendRate {
	return SendRate{kind: rateOnce}
}

// Periodic sends mutations only on ticks divisible by period.
func Periodic(period uint64) SendRate {
	if period == 0 {
		panic("tickwire: zero send period")
	}
	return SendRate{kind: ratePeriodic, period: period}
}

// MutateAt reports whether the rate permits sending mutations on tick.
func (r SendRate) MutateAt(tick Tick) bool {
	switch r.kind {
	case rateOnce:
		return false
	case ratePeriodic:
		return uint64(tick)%r.period == 0
	default:
		return true
	}
}

// Syncs reports whether the rate ever sends value changes. Only the
// once rate does not; its components are written at insertion and
// never synchronized again.
func (r SendRate) Syncs() bool {
	return r.kind != rateOnce
}

// String names the rate for logs.
func (r SendRate) String() string {
	switch r.kind {
	case rateOnce:
		return "once"
	case ratePeriodic:
		return fmt.Sprintf("periodic(%d)", r.period)
	default:
		return "every-tick"
	}
}

// FilterOp selects how an archetype filter constrains matching.
type FilterOp uint8

const (
	// FilterWith requires the component to be present.
	FilterWith FilterOp = iota
	// FilterWithout requires the component to be absent.
	FilterWithout
)

// ArchetypeFilter narrows a rule to entities with or without a marker
// component that is not itself replicated.
type ArchetypeFilter struct {
	Op        FilterOp
	Component ComponentID
}

// With returns a presence filter for id.
func With(id ComponentID) ArchetypeFilter {
	return ArchetypeFilter{Op: FilterWith, Component: id}
}

// Without returns an absence filter for id.
func Without(id ComponentID) ArchetypeFilter {
	return ArchetypeFilter{Op: FilterWithout, Component: id}
}

// ComponentRule binds one component inside a replication rule to its
// serialization functions and send rate.
type ComponentRule struct {
	Component ComponentID
	Fns       FnsID
	Rate      SendRate
}

// ReplicationRule declares that entities carrying all the listed
// components (and passing the filters) replicate those components.
// When an entity matches several rules, rules with higher priority
// claim their components first. A zero priority defaults to the
// component count, so more specific rules win.
type ReplicationRule struct {
	Components []ComponentRule
	Filters    []ArchetypeFilter
	Priority   int
}

// RuleSet is the ordered collection of replication rules the server
// evaluates every tick. Rules are added during startup against a
// registry, then frozen together with it; adding to a frozen set
// panics.
type RuleSet struct {
	registry *Registry
	frozen   bool
	rules    []ReplicationRule
}

// NewRuleSet returns an empty rule set validating against registry.
func NewRuleSet(registry *Registry) *RuleSet {
	if registry == nil {
		panic("tickwire: nil registry")
	}
	return &RuleSet{registry: registry}
}

// Add validates rule and appends it to the set. A rule with no
// components is allowed when it carries a presence filter: matched
// entities replicate as bare spawns.
func (rs *RuleSet) Add(rule ReplicationRule) error {
	if rs.frozen {
		panic("tickwire: rule set mutated after freeze")
	}
	if len(rule.Components) == 0 {
		withFilter := false
		for _, f := range rule.Filters {
			if f.Op == FilterWith {
				withFilter = true
				break
			}
		}
		if !withFilter {
			return fmt.Errorf("rules: rule without components or presence filter matches everything")
		}
	}
	seen := make(map[ComponentID]struct{}, len(rule.Components))
	for _, cr := range rule.Components {
		entry, ok := rs.registry.Fns(cr.Fns)
		if !ok {
			return fmt.Errorf("rules: unknown fns %d", cr.Fns)
		}
		if entry.Component != cr.Component {
			return fmt.Errorf("rules: fns %d serialize %s, rule names %s",
				cr.Fns, rs.registry.ComponentName(entry.Component), rs.registry.ComponentName(cr.Component))
		}
		if _, dup := seen[cr.Component]; dup {
			return fmt.Errorf("rules: component %s listed twice", rs.registry.ComponentName(cr.Component))
		}
		seen[cr.Component] = struct{}{}
	}
	for _, f := range rule.Filters {
		if int(f.Component) >= rs.registry.Components() {
			return fmt.Errorf("rules: filter on unknown component %d", f.Component)
		}
		if _, dup := seen[f.Component]; dup && f.Op == FilterWithout {
			return fmt.Errorf("rules: component %s both replicated and excluded", rs.registry.ComponentName(f.Component))
		}
	}
	if rule.Priority == 0 {
		rule.Priority = len(rule.Components)
		if rule.Priority == 0 {
			rule.Priority = 1
		}
	}
	rs.rules = append(rs.rules, rule)
	return nil
}

// Replicate adds a single-component rule for the concrete type of
// prototype using its default codec. It is the common path for simple
// setups.
func (rs *RuleSet) Replicate(prototype any, rate SendRate) error {
	id, ok := rs.registry.Component(prototype)
	if !ok {
		return fmt.Errorf("rules: type %T not registered", prototype)
	}
	fns, ok := rs.registry.DefaultFns(id)
	if !ok {
		return fmt.Errorf("rules: component %s has no default fns", rs.registry.ComponentName(id))
	}
	return rs.Add(ReplicationRule{
		Components: []ComponentRule{{Component: id, Fns: fns, Rate: rate}},
	})
}

// Freeze sorts the rules by descending priority and locks the set.
// The sort is stable so equal priorities keep registration order.
func (rs *RuleSet) Freeze() {
	if rs.frozen {
		return
	}
	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority > rs.rules[j].Priority
	})
	rs.frozen = true
}

// Frozen reports whether the set is locked.
func (rs *RuleSet) Frozen() bool {
	return rs.frozen
}

// Ordered returns the rules sorted by descending priority. It must
// only be called after Freeze.
func (rs *RuleSet) Ordered() []ReplicationRule {
	if !rs.frozen {
		panic("tickwire: rule set read before freeze")
	}
	return rs.rules
}

// Registry returns the registry the set validates against.
func (rs *RuleSet) Registry() *Registry {
	return rs.registry
}
