// Package build turns a rewrite declaration into a routing table. Type-check
// failures abort the build unless the declaration asks to ignore them.
package build

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/moonkev/rewriteds/internal/rewrite"
	"github.com/moonkev/rewriteds/internal/server"
	"github.com/moonkev/rewriteds/internal/types"
)

var (
	ErrInvalidRule = errors.New("invalid rewrite rule")
	ErrTypeCheck   = errors.New("type check failed")
)

var version uint64

// Options controls how diagnostics affect the build.
type Options struct {
	IgnoreBuildErrors bool
}

// OptionsFrom reads the build options carried by a declaration.
func OptionsFrom(decl *types.Declaration) Options {
	return Options{IgnoreBuildErrors: decl.TypeScript.IgnoreBuildErrors}
}

// Fails reports whether d fails a build run with these options.
func (o Options) Fails(d Diagnostic) bool {
	return d.Severity == SeverityFatal || !o.IgnoreBuildErrors
}

// Result is the artifact of a successful build.
type Result struct {
	Table       *rewrite.Table
	Diagnostics []Diagnostic
}

// Build checks decl and compiles its rewrites into a table. Fatal
// diagnostics always fail the build; error diagnostics fail it unless
// opts.IgnoreBuildErrors is set.
func Build(decl *types.Declaration, opts Options) (*Result, error) {
	rules, diags := Check(decl)

	var fatal, typeErrs int
	for _, d := range diags {
		server.MetricBuildDiagnostics.WithLabelValues(string(d.Severity), d.Kind).Inc()
		switch d.Severity {
		case SeverityFatal:
			fatal++
			slog.Error("Rewrite rule rejected", "diagnostic", d.String())
		case SeverityError:
			typeErrs++
			if opts.IgnoreBuildErrors {
				slog.Warn("Ignoring rewrite type error", "diagnostic", d.String())
			} else {
				slog.Error("Rewrite type error", "diagnostic", d.String())
			}
		}
	}

	if fatal > 0 {
		server.MetricBuilds.WithLabelValues("failed").Inc()
		return &Result{Diagnostics: diags}, fmt.Errorf("%w: %d rule(s) could not be compiled", ErrInvalidRule, fatal)
	}
	if typeErrs > 0 && !opts.IgnoreBuildErrors {
		server.MetricBuilds.WithLabelValues("failed").Inc()
		return &Result{Diagnostics: diags}, fmt.Errorf("%w: %d error(s)", ErrTypeCheck, typeErrs)
	}

	table := rewrite.NewTable(atomic.AddUint64(&version, 1), rules)
	server.MetricBuilds.WithLabelValues("ok").Inc()
	slog.Info("Build completed", "version", table.Version(), "rules", table.Len(), "ignoredErrors", typeErrs)
	return &Result{Table: table, Diagnostics: diags}, nil
}
