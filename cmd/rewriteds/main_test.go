package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonkev/rewriteds/internal/build"
	"github.com/moonkev/rewriteds/internal/discovery"
	"github.com/moonkev/rewriteds/internal/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configFile = ""
		exportFormat = "next"
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeDecl(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rewrites.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const typeError = `
rewrites:
  - source: /api/:path*
    destination: http://localhost:3002/:rest*
typescript:
  ignoreBuildErrors: %s
`

func TestExportNextDefault(t *testing.T) {
	out, err := execute(t, "export", "--format", "next", "--config", "")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, map[string]any{
		"rewrites": []any{map[string]any{
			"source":      "/api/:path*",
			"destination": "http://localhost:3002/:path*",
		}},
		"typescript": map[string]any{"ignoreBuildErrors": true},
	}, got)
}

func TestExportEnvoy(t *testing.T) {
	out, err := execute(t, "export", "--format", "envoy")
	require.NoError(t, err)
	// protojson output is not byte-stable, compare decoded
	var rc struct {
		Name         string `json:"name"`
		VirtualHosts []struct {
			Routes []struct {
				Name  string `json:"name"`
				Route struct {
					Cluster            string `json:"cluster"`
					HostRewriteLiteral string `json:"hostRewriteLiteral"`
				} `json:"route"`
			} `json:"routes"`
		} `json:"virtualHosts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rc))
	require.Len(t, rc.VirtualHosts, 1)
	require.Len(t, rc.VirtualHosts[0].Routes, 2)
	r := rc.VirtualHosts[0].Routes[1]
	assert.Equal(t, "api", r.Name)
	assert.Equal(t, "http_localhost_3002", r.Route.Cluster)
	assert.Equal(t, "localhost:3002", r.Route.HostRewriteLiteral)
}

func TestExportUnknownFormat(t *testing.T) {
	_, err := execute(t, "export", "--format", "toml")
	assert.Error(t, err)
}

func TestCheckDefault(t *testing.T) {
	out, err := execute(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "/api/:path* -> http://localhost:3002/:path*")
}

func TestCheckTypeErrorIgnored(t *testing.T) {
	path := writeDecl(t, fmt.Sprintf(typeError, "true"))
	out, err := execute(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "placeholder-mismatch")
	assert.Contains(t, out, "ok: 1 rewrite(s), 2 diagnostic(s) ignored")
}

func TestCheckTypeErrorFails(t *testing.T) {
	path := writeDecl(t, fmt.Sprintf(typeError, "false"))
	out, err := execute(t, "check", "--config", path)
	require.ErrorIs(t, err, build.ErrTypeCheck)
	assert.Contains(t, out, "placeholder-mismatch")
}

func TestHealthzWaitsForTable(t *testing.T) {
	agg := discovery.NewRuleAggregator(build.Options{}, nil)
	h := healthz(agg)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, agg.UpdateRules("yaml_loader", types.DefaultDeclaration().Rewrites))
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rules=1")
}
