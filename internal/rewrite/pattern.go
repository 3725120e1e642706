// Package rewrite matches request paths against rewrite rules and renders
// the destination URL of the first matching rule.
//
// Path templates use path-to-regexp syntax. A segment starting with ':' is a
// named parameter; a trailing '?', '*' or '+' makes it optional, zero-or-more
// or one-or-more segments respectively:
//
//	/api/:path*     matches /api, /api/users, /api/users/42
//	/users/:id      matches /users/42 only
//	/docs/:slug+    matches /docs/a and /docs/a/b, not /docs
//
// Matching is case insensitive and tolerates one trailing slash.
package rewrite

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	pathtoregexp "github.com/soongo/path-to-regexp"
)

var (
	ErrEmptyPattern   = errors.New("empty pattern")
	ErrNotAbsolute    = errors.New("pattern must start with '/'")
	ErrBadPattern     = errors.New("invalid pattern")
	ErrDuplicateParam = errors.New("duplicate parameter")
)

// Modifier controls how many path segments a parameter consumes.
type Modifier byte

const (
	One        Modifier = 0
	Optional   Modifier = '?'
	ZeroOrMore Modifier = '*'
	OneOrMore  Modifier = '+'
)

// Repeating reports whether the parameter may capture more than one segment.
func (m Modifier) Repeating() bool {
	return m == ZeroOrMore || m == OneOrMore
}

// AllowsEmpty reports whether the parameter may capture nothing.
func (m Modifier) AllowsEmpty() bool {
	return m == Optional || m == ZeroOrMore
}

// Param describes a parameter of a pattern. Unnamed groups are numbered.
type Param struct {
	Name     string
	Modifier Modifier
}

// Params holds the captured segments per parameter name.
type Params map[string][]string

// Pattern is a parsed path template.
type Pattern struct {
	raw    string
	tokens []interface{}
	params []Param
	match  func(string) (*pathtoregexp.MatchResult, error)
	render func(interface{}) (string, error)

	// RE2 form of match, for Envoy.
	expr   string
	groups map[string]int
}

var noValidate = false

// ParsePattern parses a path template such as "/api/:path*".
func ParsePattern(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, ErrEmptyPattern
	}
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("%q: %w", raw, ErrNotAbsolute)
	}

	tokens, err := pathtoregexp.Parse(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%q: %w: %v", raw, ErrBadPattern, err)
	}

	p := &Pattern{raw: raw, tokens: tokens}
	seen := make(map[string]bool)
	for _, tok := range tokens {
		t, ok := asToken(tok)
		if !ok {
			continue
		}
		param := Param{Name: fmt.Sprint(t.Name)}
		if t.Modifier != "" {
			param.Modifier = Modifier(t.Modifier[0])
		}
		if seen[param.Name] {
			return nil, fmt.Errorf("%q: %w %q", raw, ErrDuplicateParam, param.Name)
		}
		seen[param.Name] = true
		p.params = append(p.params, param)
	}

	if p.match, err = pathtoregexp.Match(raw, nil); err != nil {
		return nil, fmt.Errorf("%q: %w: %v", raw, ErrBadPattern, err)
	}
	p.render, err = pathtoregexp.Compile(raw, &pathtoregexp.Options{
		Validate: &noValidate,
		Encode:   func(s string, _ interface{}) string { return s },
	})
	if err != nil {
		return nil, fmt.Errorf("%q: %w: %v", raw, ErrBadPattern, err)
	}
	if p.expr, p.groups, err = re2Expr(tokens); err != nil {
		return nil, fmt.Errorf("%q: %w: %v", raw, ErrBadPattern, err)
	}
	return p, nil
}

func (p *Pattern) String() string { return p.raw }

// Params lists the parameters in declaration order.
func (p *Pattern) Params() []Param {
	return append([]Param(nil), p.params...)
}

// Match matches an escaped request path against the whole pattern.
func (p *Pattern) Match(path string) (Params, bool) {
	if !strings.HasPrefix(path, "/") {
		return nil, false
	}
	res, err := p.match(path)
	if err != nil || res == nil {
		return nil, false
	}

	params := make(Params)
	for key, val := range res.Params {
		if segs := segments(val); len(segs) > 0 {
			params[fmt.Sprint(key)] = segs
		}
	}
	return params, true
}

// Render substitutes params into the pattern. A required parameter without a
// value renders as an empty segment, an optional one as nothing.
func (p *Pattern) Render(params Params) string {
	data := make(map[string]string, len(p.params))
	for _, param := range p.params {
		segs, ok := params[param.Name]
		switch {
		case ok && len(segs) > 0:
			data[param.Name] = strings.Join(segs, "/")
		case !param.Modifier.AllowsEmpty():
			data[param.Name] = ""
		}
	}
	rendered, err := p.render(data)
	if err != nil || rendered == "" {
		return "/"
	}
	return rendered
}

// regex returns an anchored RE2 expression equivalent to Match along with the
// capture group index of every parameter.
func (p *Pattern) regex() (string, map[string]int) {
	return p.expr, p.groups
}

// substitution renders the pattern as an RE2 rewrite template, referencing
// the capture groups of a source regex.
func (p *Pattern) substitution(groups map[string]int) string {
	var b strings.Builder
	for _, tok := range p.tokens {
		t, ok := asToken(tok)
		if !ok {
			b.WriteString(strings.ReplaceAll(fmt.Sprint(tok), `\`, `\\`))
			continue
		}
		b.WriteString(t.Prefix)
		if idx, ok := groups[fmt.Sprint(t.Name)]; ok {
			fmt.Fprintf(&b, `\%d`, idx)
		}
		b.WriteString(t.Suffix)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// re2Expr mirrors the expression path-to-regexp builds for a path with
// strict=false and end=true, in a form RE2 accepts.
func re2Expr(tokens []interface{}) (string, map[string]int, error) {
	var b strings.Builder
	groups := make(map[string]int)
	b.WriteString("(?i)^")
	for _, tok := range tokens {
		t, ok := asToken(tok)
		if !ok {
			b.WriteString(regexp.QuoteMeta(fmt.Sprint(tok)))
			continue
		}
		groups[fmt.Sprint(t.Name)] = len(groups) + 1
		prefix, suffix := regexp.QuoteMeta(t.Prefix), regexp.QuoteMeta(t.Suffix)
		switch {
		case prefix == "" && suffix == "":
			fmt.Fprintf(&b, "(%s)%s", t.Pattern, t.Modifier)
		case t.Modifier == "*" || t.Modifier == "+":
			mod := ""
			if t.Modifier == "*" {
				mod = "?"
			}
			fmt.Fprintf(&b, "(?:%s((?:%s)(?:%s%s(?:%s))*)%s)%s", prefix, t.Pattern, suffix, prefix, t.Pattern, suffix, mod)
		default:
			fmt.Fprintf(&b, "(?:%s(%s)%s)%s", prefix, t.Pattern, suffix, t.Modifier)
		}
	}
	b.WriteString("/?$")

	expr := b.String()
	if _, err := regexp.Compile(expr); err != nil {
		return "", nil, err
	}
	return expr, groups, nil
}

func asToken(tok interface{}) (pathtoregexp.Token, bool) {
	switch t := tok.(type) {
	case pathtoregexp.Token:
		return t, true
	case *pathtoregexp.Token:
		return *t, true
	}
	return pathtoregexp.Token{}, false
}

func segments(val interface{}) []string {
	var out []string
	switch v := val.(type) {
	case string:
		out = strings.Split(v, "/")
	case []string:
		out = v
	case []interface{}:
		for _, e := range v {
			out = append(out, fmt.Sprint(e))
		}
	}
	if len(out) == 1 && out[0] == "" {
		return nil
	}
	return out
}
