package build

import (
	"fmt"
	"sort"
	"strings"

	"github.com/moonkev/rewriteds/internal/rewrite"
	"github.com/moonkev/rewriteds/internal/types"
)

// Severity of a diagnostic.
type Severity string

const (
	// SeverityError marks a type-check failure. Builds may be told to ignore it.
	SeverityError Severity = "error"
	// SeverityFatal marks a rule that cannot be compiled at all.
	SeverityFatal Severity = "fatal"
)

// Diagnostic kinds
const (
	KindInvalidRule         = "invalid-rule"
	KindPlaceholderMismatch = "placeholder-mismatch"
	KindRepeatMismatch      = "repeat-mismatch"
	KindDuplicateSource     = "duplicate-source"
)

// Diagnostic is a single finding of the rule checker.
type Diagnostic struct {
	Severity Severity
	Kind     string
	Rule     string
	Index    int
	Message  string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s[%s] rewrites[%d] %s: %s", d.Severity, d.Kind, d.Index, d.Rule, d.Message)
}

// Check statically validates the rewrites of decl. Rules that compile are
// returned in declaration order alongside the diagnostics.
func Check(decl *types.Declaration) ([]*rewrite.Rule, []Diagnostic) {
	var (
		rules   []*rewrite.Rule
		diags   []Diagnostic
		sources = make(map[string]int)
	)

	for i, rw := range decl.Rewrites {
		name := rw.Name
		if name == "" {
			name = rw.Source
		}

		rule, err := rewrite.CompileRule(rw)
		if err != nil {
			diags = append(diags, Diagnostic{
				Severity: SeverityFatal,
				Kind:     KindInvalidRule,
				Rule:     name,
				Index:    i,
				Message:  err.Error(),
			})
			continue
		}
		rules = append(rules, rule)

		if prev, ok := sources[rw.Source]; ok {
			diags = append(diags, Diagnostic{
				Severity: SeverityError,
				Kind:     KindDuplicateSource,
				Rule:     name,
				Index:    i,
				Message:  fmt.Sprintf("source %q is already declared by rewrites[%d] and can never match", rw.Source, prev),
			})
		} else {
			sources[rw.Source] = i
		}

		diags = append(diags, checkPlaceholders(rule, i)...)
	}
	return rules, diags
}

func checkPlaceholders(rule *rewrite.Rule, index int) []Diagnostic {
	var diags []Diagnostic

	src := make(map[string]rewrite.Param)
	for _, p := range rule.Source().Params() {
		src[p.Name] = p
	}
	dst := make(map[string]rewrite.Param)
	for _, p := range rule.DestinationPath().Params() {
		dst[p.Name] = p
	}

	var missing, unused []string
	for name, p := range dst {
		sp, ok := src[name]
		if !ok {
			missing = append(missing, ":"+name)
			continue
		}
		if sp.Modifier.Repeating() && !p.Modifier.Repeating() {
			diags = append(diags, Diagnostic{
				Severity: SeverityError,
				Kind:     KindRepeatMismatch,
				Rule:     rule.Name,
				Index:    index,
				Message:  fmt.Sprintf(":%s captures multiple segments in the source but is a single segment in the destination", name),
			})
		}
	}
	for name := range src {
		if _, ok := dst[name]; !ok {
			unused = append(unused, ":"+name)
		}
	}
	sort.Strings(missing)
	sort.Strings(unused)

	if len(missing) > 0 {
		diags = append(diags, Diagnostic{
			Severity: SeverityError,
			Kind:     KindPlaceholderMismatch,
			Rule:     rule.Name,
			Index:    index,
			Message:  fmt.Sprintf("destination uses %s not captured by source %q", strings.Join(missing, ", "), rule.Source()),
		})
	}
	if len(unused) > 0 {
		diags = append(diags, Diagnostic{
			Severity: SeverityError,
			Kind:     KindPlaceholderMismatch,
			Rule:     rule.Name,
			Index:    index,
			Message:  fmt.Sprintf("source captures %s not used by destination", strings.Join(unused, ", ")),
		})
	}
	return diags
}
