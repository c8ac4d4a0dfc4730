// Package integrity implements the referential-integrity checker that gates
// entity deletion: an entity with live dependents in any store cannot be
// deleted. The dependency graph itself is data, loaded from YAML with a
// compiled-in default.
package integrity

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/granary-io/granary/internal/catalog"
)

// Sentinel errors for rule-set loading and validation.
var (
	// ErrEmptyRuleSet is returned when a rule-set file declares no rules.
	ErrEmptyRuleSet = errors.New("rule set declares no rules")

	// ErrUnknownRuleKind is returned when a rule references an entity kind
	// the catalog does not know about.
	ErrUnknownRuleKind = errors.New("rule references unknown entity kind")
)

type (
	// RuleSet maps an entity kind to the dependent kinds that block its
	// deletion while any of their records still reference it. How a
	// dependent references its owner is fixed by each store's schema (a
	// foreign-key column, a reference index, an indexed field), so the
	// rules declare only which kinds participate.
	RuleSet map[catalog.Kind][]catalog.Kind

	// ruleFile is the on-disk YAML shape of a rule set.
	ruleFile struct {
		Rules map[string][]string `yaml:"rules"`
	}
)

// DefaultRuleSet returns the compiled-in dependency graph: rules and
// granules reference their provider and block its deletion.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		catalog.KindProvider: {catalog.KindRule, catalog.KindGranule},
	}
}

// LoadRuleSet parses a YAML rule-set file. Deployments override the default
// graph when legacy stores carry extra dependent kinds.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set: %w", err)
	}

	return ParseRuleSet(data)
}

// ParseRuleSet parses rule-set YAML and validates every referenced kind.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var file ruleFile

	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}

	if len(file.Rules) == 0 {
		return nil, ErrEmptyRuleSet
	}

	rules := make(RuleSet, len(file.Rules))

	for kindName, depNames := range file.Rules {
		kind, err := catalog.ParseKind(kindName)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRuleKind, kindName)
		}

		deps := make([]catalog.Kind, 0, len(depNames))

		for _, depName := range depNames {
			dep, err := catalog.ParseKind(depName)
			if err != nil {
				return nil, fmt.Errorf("%w: %q blocks %q", ErrUnknownRuleKind, depName, kindName)
			}

			deps = append(deps, dep)
		}

		rules[kind] = deps
	}

	if err := rules.Validate(); err != nil {
		return nil, err
	}

	return rules, nil
}

// Validate checks that every rule references a known entity kind.
func (r RuleSet) Validate() error {
	for kind, deps := range r {
		if !kind.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownRuleKind, kind)
		}

		for _, dep := range deps {
			if !dep.Valid() {
				return fmt.Errorf("%w: %q blocks %q", ErrUnknownRuleKind, dep, kind)
			}
		}
	}

	return nil
}

// DependenciesFor returns the dependent kinds that block deletion of the
// given kind. A kind without rules is freely deletable.
func (r RuleSet) DependenciesFor(kind catalog.Kind) []catalog.Kind {
	return r[kind]
}
