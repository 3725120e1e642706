package yaml

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/moonkev/rewriteds/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const nextStyle = `
rewrites:
  - source: /api/:path*
    destination: http://localhost:3002/:path*
typescript:
  ignoreBuildErrors: true
proxy:
  fallback: http://localhost:3001
  dialTimeout: 2s
`

type updater struct {
	mu    sync.Mutex
	calls [][]types.RewriteRule
	ch    chan struct{}
}

func newUpdater() *updater { return &updater{ch: make(chan struct{}, 10)} }

func (u *updater) UpdateRules(loaderID string, rules []types.RewriteRule) error {
	u.mu.Lock()
	u.calls = append(u.calls, rules)
	u.mu.Unlock()
	select {
	case u.ch <- struct{}{}:
	default:
	}
	return nil
}

func (u *updater) last() []types.RewriteRule {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[len(u.calls)-1]
}

func TestParseDeclaration(t *testing.T) {
	decl, err := ParseDeclaration([]byte(nextStyle))
	require.NoError(t, err)
	require.Len(t, decl.Rewrites, 1)
	assert.Equal(t, "/api/:path*", decl.Rewrites[0].Source)
	assert.Equal(t, "http://localhost:3002/:path*", decl.Rewrites[0].Destination)
	assert.Equal(t, LoaderID, decl.Rewrites[0].Origin)
	assert.True(t, decl.TypeScript.IgnoreBuildErrors)
	assert.Equal(t, "http://localhost:3001", decl.Proxy.Fallback)
	assert.Equal(t, 2*time.Second, decl.Proxy.DialTimeout.ToDuration())
}

func TestParseDeclarationRejectsUnknownKeys(t *testing.T) {
	_, err := ParseDeclaration([]byte("rewrite:\n  - source: /a\n"))
	assert.Error(t, err)
}

func TestMarshalRoundTripsDefault(t *testing.T) {
	raw, err := MarshalDeclaration(types.DefaultDeclaration())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "proxy")

	decl, err := ParseDeclaration(raw)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultDeclaration().Rewrites[0].Source, decl.Rewrites[0].Source)
	assert.True(t, decl.TypeScript.IgnoreBuildErrors)
}

func TestLoadDeclarationDefaultsWithoutPath(t *testing.T) {
	decl, err := LoadDeclaration("")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultDeclaration(), decl)
}

func TestLoaderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rewrites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(nextStyle), 0o644))

	u := newUpdater()
	l := &Loader{Path: path, Debounce: 20 * time.Millisecond, Updater: u}
	require.NoError(t, l.Load())
	<-u.ch

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	updated := `
rewrites:
  - source: /v2/:path*
    destination: http://localhost:3003/:path*
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		rules := u.last()
		return len(rules) == 1 && rules[0].Source == "/v2/:path*"
	}, 5*time.Second, 20*time.Millisecond, "declaration was not reloaded")
}
