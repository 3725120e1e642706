package discovery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonkev/rewriteds/internal/build"
	"github.com/moonkev/rewriteds/internal/discovery"
	"github.com/moonkev/rewriteds/internal/rewrite"
	"github.com/moonkev/rewriteds/internal/types"
)

type recorder struct {
	tables []*rewrite.Table
}

func (r *recorder) Publish(t *rewrite.Table) { r.tables = append(r.tables, t) }

func TestAggregatorOrdersLoaders(t *testing.T) {
	rec := &recorder{}
	agg := discovery.NewRuleAggregator(build.Options{}, []string{"yaml_loader", "consul_loader"}, rec)

	require.NoError(t, agg.UpdateRules("consul_loader", []types.RewriteRule{
		{Name: "catch-all", Source: "/api/:path*", Destination: "http://consul-backend:8080/:path*"},
	}))
	require.NoError(t, agg.UpdateRules("yaml_loader", []types.RewriteRule{
		{Name: "users", Source: "/api/users/:path*", Destination: "http://localhost:3002/users/:path*"},
	}))
	require.Len(t, rec.tables, 2)

	current := agg.Current()
	assert.Same(t, rec.tables[1], current)
	rules := current.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "users", rules[0].Name)
	assert.Equal(t, "yaml_loader", rules[0].Origin)
	assert.Equal(t, "consul_loader", rules[1].Origin)

	m, ok := current.Resolve("/api/users/1", "")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:3002/users/1", m.Destination.String())
}

func TestAggregatorKeepsTableOnFailedStrictBuild(t *testing.T) {
	rec := &recorder{}
	agg := discovery.NewRuleAggregator(build.Options{}, []string{"yaml_loader", "consul_loader"}, rec).Strict("yaml_loader")

	require.NoError(t, agg.UpdateRules("yaml_loader", types.DefaultDeclaration().Rewrites))
	good := agg.Current()

	err := agg.UpdateRules("yaml_loader", []types.RewriteRule{
		{Source: "/x/:a", Destination: "http://x/:b"},
	})
	require.ErrorIs(t, err, build.ErrTypeCheck)
	assert.Same(t, good, agg.Current())
	assert.Len(t, rec.tables, 1)

	// the rejected set is not kept around for later builds
	require.NoError(t, agg.UpdateRules("consul_loader", []types.RewriteRule{
		{Name: "orders", Source: "/orders/:id", Destination: "http://orders:8080/:id"},
	}))
	rules := agg.Current().Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "/api/:path*", rules[0].Declaration().Source)
	assert.Equal(t, "orders", rules[1].Name)
}

func TestAggregatorDropsBadDynamicRules(t *testing.T) {
	rec := &recorder{}
	agg := discovery.NewRuleAggregator(build.Options{}, []string{"yaml_loader", "consul_loader"}, rec).Strict("yaml_loader")

	require.NoError(t, agg.UpdateRules("yaml_loader", types.DefaultDeclaration().Rewrites))
	require.NoError(t, agg.UpdateRules("consul_loader", []types.RewriteRule{
		{Source: "/x/:p*", Destination: "/:p*"},
		{Source: "/y/:a", Destination: "http://y/:b"},
		{Source: "/api/:path*", Destination: "http://shadow:8080/:path*"},
		{Name: "orders", Source: "/orders/:id", Destination: "http://orders:8080/:id"},
	}))
	rules := agg.Current().Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "consul_loader", rules[1].Origin)
	assert.Equal(t, "orders", rules[1].Name)

	// a declaration reload still goes through while consul holds bad rules
	require.NoError(t, agg.UpdateRules("yaml_loader", []types.RewriteRule{
		{Name: "v2", Source: "/v2/:path*", Destination: "http://localhost:3003/:path*"},
	}))
	require.Len(t, rec.tables, 3)
	rules = agg.Current().Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "v2", rules[0].Name)
	assert.Equal(t, "orders", rules[1].Name)
}

func TestAggregatorIgnoresTypeErrorsWhenAsked(t *testing.T) {
	agg := discovery.NewRuleAggregator(build.Options{IgnoreBuildErrors: true}, nil)
	require.NoError(t, agg.UpdateRules("consul_loader", []types.RewriteRule{
		{Source: "/x/:a", Destination: "http://x/:b"},
	}))
	assert.Equal(t, 1, agg.Current().Len())
}
