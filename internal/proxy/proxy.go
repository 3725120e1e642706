// Package proxy forwards requests matching a rewrite table to their
// destination and passes everything else through unmodified.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/moonkev/rewriteds/internal/rewrite"
	"github.com/moonkev/rewriteds/internal/server"
)

const (
	outcomeForwarded   = "forwarded"
	outcomePassthrough = "passthrough"
	outcomeNotFound    = "not_found"
	outcomeRedirect    = "redirect"
	outcomeError       = "upstream_error"
)

type matchKey struct{}

// Options configures the forwarding proxy.
type Options struct {
	// Fallback receives requests no rule matches. Empty means 404.
	Fallback    string
	DialTimeout time.Duration
}

// Handler is an http.Handler routing requests through the current table.
type Handler struct {
	table    atomic.Pointer[rewrite.Table]
	forward  *httputil.ReverseProxy
	fallback http.Handler
}

// New creates a proxy handler with an empty table.
func New(opts Options) (*Handler, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext

	h := &Handler{}
	h.forward = &httputil.ReverseProxy{
		Transport:    transport,
		Rewrite:        rewriteRequest,
		ModifyResponse: countForwarded,
		ErrorHandler:   errorHandler,
	}

	if opts.Fallback != "" {
		target, err := url.Parse(opts.Fallback)
		if err != nil || target.Host == "" {
			return nil, fmt.Errorf("invalid fallback url %q", opts.Fallback)
		}
		fb := httputil.NewSingleHostReverseProxy(target)
		fb.Transport = transport
		fb.ErrorHandler = errorHandler
		h.fallback = fb
	}
	return h, nil
}

// Publish swaps in a new table. In-flight requests keep the table they
// resolved against.
func (h *Handler) Publish(table *rewrite.Table) {
	h.table.Store(table)
	slog.Info("Proxy table published", "version", table.Version(), "rules", table.Len())
}

// Table returns the table currently in use.
func (h *Handler) Table() *rewrite.Table {
	return h.table.Load()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if clean := cleanPath(r.URL.EscapedPath()); clean != r.URL.EscapedPath() {
		target := clean
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		server.MetricRequests.WithLabelValues("", outcomeRedirect).Inc()
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
		return
	}

	m, ok := h.table.Load().Resolve(r.URL.EscapedPath(), r.URL.RawQuery)
	if ok {
		slog.Debug("Forwarding request", "rule", m.Rule.Name, "path", r.URL.Path, "destination", m.Destination.String())
		ctx := context.WithValue(r.Context(), matchKey{}, m)
		h.forward.ServeHTTP(w, r.WithContext(ctx))
		return
	}

	if h.fallback != nil {
		server.MetricRequests.WithLabelValues("", outcomePassthrough).Inc()
		h.fallback.ServeHTTP(w, r)
		return
	}
	server.MetricRequests.WithLabelValues("", outcomeNotFound).Inc()
	http.NotFound(w, r)
}

func rewriteRequest(pr *httputil.ProxyRequest) {
	m := pr.In.Context().Value(matchKey{}).(rewrite.Match)
	pr.Out.URL = m.Destination
	pr.Out.Host = m.Destination.Host
	pr.SetXForwarded()
}

func countForwarded(resp *http.Response) error {
	if m, ok := resp.Request.Context().Value(matchKey{}).(rewrite.Match); ok {
		server.MetricRequests.WithLabelValues(m.Rule.Name, outcomeForwarded).Inc()
	}
	return nil
}

// cleanPath collapses repeated slashes and drops a trailing slash.
func cleanPath(p string) string {
	if !strings.Contains(p, "//") && (len(p) <= 1 || !strings.HasSuffix(p, "/")) {
		return p
	}
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		if p[i] == '/' && b.Len() > 0 && p[i-1] == '/' {
			continue
		}
		b.WriteByte(p[i])
	}
	clean := b.String()
	if len(clean) > 1 {
		clean = strings.TrimSuffix(clean, "/")
	}
	return clean
}

func errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	rule := ""
	if m, ok := r.Context().Value(matchKey{}).(rewrite.Match); ok {
		rule = m.Rule.Name
	}
	if errors.Is(err, context.Canceled) {
		slog.Debug("Client went away", "rule", rule, "path", r.URL.Path)
		return
	}
	slog.Error("Upstream request failed", "rule", rule, "path", r.URL.Path, "error", err)
	server.MetricRequests.WithLabelValues(rule, outcomeError).Inc()
	w.WriteHeader(http.StatusBadGateway)
}
