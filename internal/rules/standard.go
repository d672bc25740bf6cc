package rules

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/contextstore"
	"github.com/vigilo/correlator/internal/model"
	"github.com/vigilo/correlator/internal/repository"
)

// Standard returns the built-in rule set: topology analysis, priority
// computation and high-level-service dependency resolution. Deployments
// register additional site-specific rules on top of these.
func Standard() []Rule {
	return []Rule{
		&TopologyRule{},
		&PriorityRule{},
		&HLSDependencyRule{},
	}
}

// TopologyRule computes the decisive aggregate inputs for a problem
// event: the open aggregates of problematic ancestors (predecessors)
// and the live aggregates rooted below the item (successors). It is
// mandatory: correlating without topology would mis-root aggregates.
type TopologyRule struct{}

func (TopologyRule) Name() string        { return "Topology" }
func (TopologyRule) DependsOn() []string { return nil }
func (TopologyRule) Mandatory() bool     { return true }

func (TopologyRule) Run(ctx context.Context, api API, msgID string, _ []byte) error {
	var state string
	if _, err := api.Context.Get(ctx, msgID, contextstore.KeyStatename, &state); err != nil {
		return err
	}
	if model.IsNominal(state) {
		// Recovery handling only needs the open aggregate, which is
		// already in the shared scope.
		return nil
	}

	var supID int64
	if found, err := api.Context.Get(ctx, msgID, contextstore.KeyIDSupItem, &supID); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("topology: message %s has no supervised item in context", msgID)
	}

	ancestors, err := api.Topology.ProblemAncestors(ctx, supID)
	if err != nil {
		return err
	}
	preds := make([]int64, 0, len(ancestors))
	seen := map[int64]struct{}{}
	for _, anc := range ancestors {
		var open int64
		if _, err := api.Context.GetShared(ctx, contextstore.OpenAggrKey(anc.SupItemID), &open); err != nil {
			return err
		}
		if open == 0 {
			continue
		}
		if _, dup := seen[open]; dup {
			continue
		}
		seen[open] = struct{}{}
		preds = append(preds, open)
	}

	succs, err := api.Topology.OpenAggregatesBelow(ctx, supID)
	if err != nil {
		return err
	}

	if err := api.Context.Set(ctx, msgID, contextstore.KeyPredecessors, preds); err != nil {
		return err
	}
	return api.Context.Set(ctx, msgID, contextstore.KeySuccessors, succs)
}

// PriorityRule derives the aggregate priority from the state severity.
// It runs after the topology rule so site-specific overrides can slot
// between the two.
type PriorityRule struct{}

func (PriorityRule) Name() string        { return "Priority" }
func (PriorityRule) DependsOn() []string { return []string{"Topology"} }

func (PriorityRule) Run(ctx context.Context, api API, msgID string, _ []byte) error {
	var state string
	if _, err := api.Context.Get(ctx, msgID, contextstore.KeyStatename, &state); err != nil {
		return err
	}
	return api.Context.Set(ctx, msgID, contextstore.KeyPriority, severity(state))
}

// severity maps state names to priorities; higher is more urgent.
func severity(state string) int {
	switch state {
	case "DOWN", "CRITICAL":
		return 5
	case "UNREACHABLE":
		return 4
	case "WARNING":
		return 3
	case "UNKNOWN":
		return 2
	case "UP", "OK":
		return 0
	default:
		return 1
	}
}

// HLSDependencyRule resolves the high-level services impacted by the
// message and records their problematic dependencies in the context, so
// the state of each HLS can be recomputed downstream. Computation
// orders are dispatched straight to this rule.
type HLSDependencyRule struct{}

func (HLSDependencyRule) Name() string        { return HLSDepsRule }
func (HLSDependencyRule) DependsOn() []string { return nil }

func (HLSDependencyRule) Run(ctx context.Context, api API, msgID string, _ []byte) error {
	var names []string
	if _, err := api.Context.Get(ctx, msgID, contextstore.KeyImpactedHLS, &names); err != nil {
		return err
	}
	for _, name := range names {
		id, err := api.Topology.GetSupItem(ctx, "", name)
		if errors.Is(err, repository.ErrSupItemNotFound) {
			if api.Logger != nil {
				api.Logger.Warn("impacted HLS unknown to the model", zap.String("hls", name))
			}
			continue
		}
		if err != nil {
			return err
		}
		ancestors, err := api.Topology.ProblemAncestors(ctx, id)
		if err != nil {
			return err
		}
		deps := make([]int64, 0, len(ancestors))
		for _, anc := range ancestors {
			deps = append(deps, anc.SupItemID)
		}
		if err := api.Context.Set(ctx, msgID, "hls:"+name+":problem_deps", deps); err != nil {
			return err
		}
	}
	return nil
}
