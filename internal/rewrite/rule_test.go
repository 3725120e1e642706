package rewrite

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonkev/rewriteds/internal/types"
)

func apiRule(t *testing.T) *Rule {
	t.Helper()
	r, err := CompileRule(types.DefaultDeclaration().Rewrites[0])
	require.NoError(t, err)
	return r
}

func TestRuleRewrite(t *testing.T) {
	r := apiRule(t)

	tests := []struct {
		path, query string
		want        string
		ok          bool
	}{
		{"/api/users/42", "", "http://localhost:3002/users/42", true},
		{"/api/users/42", "page=2", "http://localhost:3002/users/42?page=2", true},
		{"/api/", "", "http://localhost:3002/", true},
		{"/api/a%2Fb", "", "http://localhost:3002/a%2Fb", true},
		{"/api/users/42/", "", "http://localhost:3002/users/42", true},
		{"/API/users", "", "http://localhost:3002/users", true},
		{"/api//x", "", "", false},
		{"/health", "", "", false},
		{"/apiv2/x", "", "", false},
	}
	for _, tt := range tests {
		u, ok := r.Rewrite(tt.path, tt.query)
		require.Equal(t, tt.ok, ok, tt.path)
		if ok {
			assert.Equal(t, tt.want, u.String(), tt.path)
		}
	}
}

func TestRuleRewriteMergesQuery(t *testing.T) {
	r, err := CompileRule(types.RewriteRule{Source: "/s/:q", Destination: "https://search.example.com/find?engine=x"})
	require.NoError(t, err)
	u, ok := r.Rewrite("/s/go", "lang=en")
	require.True(t, ok)
	assert.Equal(t, "https://search.example.com/find?engine=x&lang=en", u.String())
	assert.Equal(t, "/s/:q", r.Name)
}

func TestCompileRuleErrors(t *testing.T) {
	bad := []types.RewriteRule{
		{Source: "api/:path*", Destination: "http://localhost:3002/:path*"},
		{Source: "/api/:path*", Destination: "localhost:3002/:path*"},
		{Source: "/api/:path*", Destination: "ftp://localhost/:path*"},
		{Source: "/api/:path*", Destination: "http:///:path*"},
		{Source: "/api/:path*", Destination: "http://localhost/:"},
	}
	for _, d := range bad {
		_, err := CompileRule(d)
		assert.Error(t, err, "%+v", d)
	}

	_, err := CompileRule(bad[2])
	assert.ErrorIs(t, err, ErrBadDestination)

	_, err = CompileRule(bad[4])
	assert.ErrorIs(t, err, ErrBadPattern)
	assert.Contains(t, err.Error(), `rule "/api/:path*"`)
}

func TestRuleRegexRewrite(t *testing.T) {
	r := apiRule(t)
	pattern, sub := r.RegexRewrite()
	assert.Equal(t, `/\1`, sub)

	re := regexp.MustCompile(pattern)
	goSub := regexp.MustCompile(`\\(\d)`).ReplaceAllString(sub, `$${$1}`)
	assert.Equal(t, "/users/42", re.ReplaceAllString("/api/users/42", goSub))
	assert.Equal(t, "/", re.ReplaceAllString("/api", goSub))
	assert.Equal(t, "/users/42", re.ReplaceAllString("/api/users/42/", goSub))
	assert.False(t, re.MatchString("/api//x"))
}

func TestTableResolveFirstMatchWins(t *testing.T) {
	specific, err := CompileRule(types.RewriteRule{Name: "auth", Source: "/api/auth/:path*", Destination: "http://auth:9000/:path*"})
	require.NoError(t, err)
	table := NewTable(3, []*Rule{specific, apiRule(t)})

	m, ok := table.Resolve("/api/auth/login", "")
	require.True(t, ok)
	assert.Equal(t, "auth", m.Rule.Name)
	assert.Equal(t, "http://auth:9000/login", m.Destination.String())

	m, ok = table.Resolve("/api/users", "")
	require.True(t, ok)
	assert.Equal(t, "api", m.Rule.Name)

	m, ok = table.Resolve("/API/Auth/login", "")
	require.True(t, ok)
	assert.Equal(t, "auth", m.Rule.Name)

	_, ok = table.Resolve("/health", "")
	assert.False(t, ok)
	_, ok = table.Resolve("/ap", "")
	assert.False(t, ok)

	var empty *Table
	_, ok = empty.Resolve("/api/x", "")
	assert.False(t, ok)
	assert.Equal(t, uint64(3), table.Version())
	assert.Equal(t, 2, table.Len())
}
