package discovery

import (
	"log/slog"
	"sync"

	"github.com/moonkev/rewriteds/internal/build"
	"github.com/moonkev/rewriteds/internal/rewrite"
	"github.com/moonkev/rewriteds/internal/server"
	"github.com/moonkev/rewriteds/internal/types"
)

// Publisher receives every successfully built table.
type Publisher interface {
	Publish(table *rewrite.Table)
}

// RuleAggregator merges the rule sets reported by loaders, rebuilds the
// routing table and hands it to the publishers.
//
// Rules from strict loaders must build as a whole: a failing update is
// rejected and the loader keeps its previous rules. Rules from any other
// loader that would fail the build are dropped with a warning so they cannot
// block updates from the rest.
type RuleAggregator struct {
	mu         sync.Mutex
	opts       build.Options
	order      []string
	strict     map[string]bool
	rules      map[string][]types.RewriteRule
	publishers []Publisher
	current    *rewrite.Table
}

// NewRuleAggregator creates an aggregator. Loaders listed in order take
// priority over loaders that report later, in the order given.
func NewRuleAggregator(opts build.Options, order []string, publishers ...Publisher) *RuleAggregator {
	return &RuleAggregator{
		opts:       opts,
		order:      append([]string(nil), order...),
		strict:     make(map[string]bool),
		rules:      make(map[string][]types.RewriteRule),
		publishers: publishers,
	}
}

// Strict marks loaders whose rules are rejected as a whole when they fail
// the build.
func (a *RuleAggregator) Strict(loaderIDs ...string) *RuleAggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range loaderIDs {
		a.strict[id] = true
	}
	return a
}

// UpdateRules replaces the rules of loaderID. When the merged declaration
// fails to build the previously published table stays in effect.
func (a *RuleAggregator) UpdateRules(loaderID string, rules []types.RewriteRule) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, known := a.rules[loaderID]; !known && !a.ordered(loaderID) {
		a.order = append(a.order, loaderID)
	}
	prev, hadPrev := a.rules[loaderID]
	a.rules[loaderID] = rules
	server.MetricRulesDiscovered.WithLabelValues(loaderID).Set(float64(len(rules)))

	res, err := build.Build(a.merge(), a.opts)
	if err != nil {
		if hadPrev {
			a.rules[loaderID] = prev
		} else {
			delete(a.rules, loaderID)
		}
		slog.Error("Rewrite build failed, keeping previous table", "loader", loaderID, "error", err)
		return err
	}

	a.current = res.Table
	server.MetricRulesActive.Set(float64(res.Table.Len()))
	for _, p := range a.publishers {
		p.Publish(res.Table)
	}
	return nil
}

// Current returns the last published table, or nil.
func (a *RuleAggregator) Current() *rewrite.Table {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// merge concatenates the loader rule sets in priority order, leaving out
// failing rules of non-strict loaders.
func (a *RuleAggregator) merge() *types.Declaration {
	decl := &types.Declaration{}
	for _, id := range a.order {
		for _, r := range a.rules[id] {
			r.Origin = id
			decl.Rewrites = append(decl.Rewrites, r)
		}
	}

	_, diags := build.Check(decl)
	drop := make(map[int]bool)
	for _, d := range diags {
		origin := decl.Rewrites[d.Index].Origin
		if a.strict[origin] || !a.opts.Fails(d) {
			continue
		}
		if !drop[d.Index] {
			slog.Warn("Dropping rewrite rule", "loader", origin, "diagnostic", d.String())
			server.MetricRulesDropped.WithLabelValues(origin, d.Kind).Inc()
		}
		drop[d.Index] = true
	}
	if len(drop) == 0 {
		return decl
	}

	kept := decl.Rewrites[:0:0]
	for i, r := range decl.Rewrites {
		if !drop[i] {
			kept = append(kept, r)
		}
	}
	decl.Rewrites = kept
	return decl
}

func (a *RuleAggregator) ordered(loaderID string) bool {
	for _, id := range a.order {
		if id == loaderID {
			return true
		}
	}
	return false
}
