package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/multierr"
)

// ErrInvalidRoutingPolicy wraps routing policy validation failures.
var ErrInvalidRoutingPolicy = errors.New("invalid routing policy")

// ActionKind is what happens to a matching flow.
type ActionKind string

const (
	ActionSteer ActionKind = "steer"
	ActionBlock ActionKind = "block"
)

// Action pairs an action kind with the preference used when steering.
type Action struct {
	Kind       ActionKind `json:"kind" yaml:"kind"`
	Preference Preference `json:"preference,omitempty" yaml:"preference,omitempty"`
}

// Policy maps a class of flows to an action. Lower Priority wins.
type Policy struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Priority int        `json:"priority" yaml:"priority"`
	Match    MatchRules `json:"match" yaml:"match"`
	Action   Action     `json:"action" yaml:"action"`
}

func (p Policy) Validate() error {
	var errs error
	if strings.TrimSpace(p.Name) == "" {
		errs = multierr.Append(errs, errors.New("name is required"))
	}
	if err := p.Match.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	switch p.Action.Kind {
	case ActionBlock:
	case ActionSteer:
		if err := p.Action.Preference.Validate(); err != nil {
			errs = multierr.Append(errs, err)
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown action %q", p.Action.Kind))
	}
	if errs != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidRoutingPolicy, p.Name, errs)
	}
	return nil
}

// SortPolicies orders policies by priority, keeping declaration order for ties.
func SortPolicies(policies []Policy) {
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority < policies[j].Priority
	})
}
