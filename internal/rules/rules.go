// Package rules defines the correlation-rule contract, the registry that
// validates the rule dependency graph, and the executor that walks the
// graph for every message.
//
// The engine is rule-agnostic: a rule is a black box identified by a
// stable name, declaring the rules it must run after. Rules communicate
// exclusively through the correlation context and the database; their
// results are never passed from node to node.
package rules

import (
	"context"

	"go.uber.org/zap"

	"github.com/vigilo/correlator/internal/repository"
)

// HLSDepsRule is the rule that computation orders are dispatched to. It
// must be registered for computation-order messages to be handled.
const HLSDepsRule = "HighLevelServiceDeps"

// ContextAccessor is the slice of the correlation context a rule body
// may touch. *contextstore.Store satisfies it.
type ContextAccessor interface {
	Set(ctx context.Context, id, key string, value interface{}) error
	Get(ctx context.Context, id, key string, out interface{}) (bool, error)
	SetShared(ctx context.Context, key string, value interface{}) error
	GetShared(ctx context.Context, key string, out interface{}) (bool, error)
}

// API is what a rule body may touch. Rule bodies run in worker processes;
// everything here is reachable from any process (the context store and
// the database are both out-of-process backends).
type API struct {
	Context  ContextAccessor
	Topology TopologyReader
	Logger   *zap.Logger
}

// TopologyReader is the read-only slice of the model available to rules.
type TopologyReader interface {
	GetSupItem(ctx context.Context, host, service string) (int64, error)
	HasDependencyPath(ctx context.Context, from, to int64) (bool, error)
	DependencyDistance(ctx context.Context, from, to int64) (int, bool, error)
	ProblemAncestors(ctx context.Context, supItemID int64) ([]repository.Ancestor, error)
	OpenCorreventByCause(ctx context.Context, supItemID int64) (int64, error)
	OpenAggregatesBelow(ctx context.Context, supItemID int64) ([]int64, error)
}

// Rule is one correlation rule.
type Rule interface {
	// Name is the stable identifier used in dependency declarations.
	Name() string
	// DependsOn lists the rules that must have completed before this one
	// runs. Missing context keys must be tolerated: a dependency may have
	// failed and still lets this rule run.
	DependsOn() []string
	// Run executes the rule body for one message. The payload is the
	// serialized event being correlated.
	Run(ctx context.Context, api API, msgID string, payload []byte) error
}

// Mandatory may be implemented by rules whose failure must abort the
// message instead of degrading to a partial correlation.
type Mandatory interface {
	Mandatory() bool
}

func isMandatory(r Rule) bool {
	m, ok := r.(Mandatory)
	return ok && m.Mandatory()
}
