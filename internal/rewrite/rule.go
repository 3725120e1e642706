package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/moonkev/rewriteds/internal/types"
)

var ErrBadDestination = errors.New("invalid destination")

// Rule is a compiled RewriteRule.
type Rule struct {
	Name   string
	Origin string

	decl   types.RewriteRule
	source *Pattern
	target *url.URL
	path   *Pattern
	prefix string
}

// CompileRule parses the source pattern and destination URL template of r.
func CompileRule(r types.RewriteRule) (*Rule, error) {
	name := r.Name
	if name == "" {
		name = r.Source
	}

	source, err := ParsePattern(r.Source)
	if err != nil {
		return nil, fmt.Errorf("rule %q source: %w", name, err)
	}

	target, err := url.Parse(r.Destination)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w: %v", name, ErrBadDestination, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("rule %q: %w: scheme must be http or https, got %q", name, ErrBadDestination, target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("rule %q: %w: missing host", name, ErrBadDestination)
	}

	rawPath := target.EscapedPath()
	if rawPath == "" {
		rawPath = "/"
	}
	path, err := ParsePattern(rawPath)
	if err != nil {
		return nil, fmt.Errorf("rule %q destination: %w", name, err)
	}

	return &Rule{
		Name:   name,
		Origin: r.Origin,
		decl:   r,
		source: source,
		target: &url.URL{Scheme: target.Scheme, Host: target.Host, RawQuery: target.RawQuery},
		path:   path,
		prefix: literalPrefix(source),
	}, nil
}

// Declaration returns the rule as it was declared.
func (r *Rule) Declaration() types.RewriteRule { return r.decl }

// Source returns the parsed source pattern.
func (r *Rule) Source() *Pattern { return r.source }

// DestinationPath returns the parsed path template of the destination.
func (r *Rule) DestinationPath() *Pattern { return r.path }

// Target returns scheme and host of the destination.
func (r *Rule) Target() url.URL { return *r.target }

// Rewrite renders the destination URL for an escaped request path, or
// reports false when the source pattern does not match.
func (r *Rule) Rewrite(path, rawQuery string) (*url.URL, bool) {
	params, ok := r.source.Match(path)
	if !ok {
		return nil, false
	}

	rendered := r.path.Render(params)
	u := *r.target
	if unescaped, err := url.PathUnescape(rendered); err == nil {
		u.Path = unescaped
		u.RawPath = rendered
	} else {
		u.Path = rendered
	}

	switch {
	case u.RawQuery == "":
		u.RawQuery = rawQuery
	case rawQuery != "":
		u.RawQuery = u.RawQuery + "&" + rawQuery
	}
	return &u, true
}

// RegexRewrite returns an anchored RE2 expression matching the source and the
// substitution producing the destination path from its capture groups.
func (r *Rule) RegexRewrite() (pattern, substitution string) {
	pattern, groups := r.source.regex()
	return pattern, r.path.substitution(groups)
}

// couldMatch compares path against the literal prefix every match starts
// with.
func (r *Rule) couldMatch(path string) bool {
	return len(path) >= len(r.prefix) && strings.EqualFold(path[:len(r.prefix)], r.prefix)
}

func literalPrefix(p *Pattern) string {
	if len(p.tokens) == 0 {
		return "/"
	}
	lit, ok := p.tokens[0].(string)
	if !ok || lit == "" {
		return "/"
	}
	return lit
}
