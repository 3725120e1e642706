package rewrite

import (
	"net/url"
)

// Match is the result of resolving a request path against a Table.
type Match struct {
	Rule        *Rule
	Destination *url.URL
}

// Table is an ordered, immutable set of rules. The first matching rule wins.
type Table struct {
	version uint64
	rules   []*Rule
}

// NewTable creates a table from rules in priority order.
func NewTable(version uint64, rules []*Rule) *Table {
	return &Table{version: version, rules: append([]*Rule(nil), rules...)}
}

func (t *Table) Version() uint64 { return t.version }

// Rules returns a copy of the rules in priority order.
func (t *Table) Rules() []*Rule {
	if t == nil {
		return nil
	}
	return append([]*Rule(nil), t.rules...)
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Resolve finds the first rule matching path. When nothing matches the
// request is not rewritten.
func (t *Table) Resolve(path, rawQuery string) (Match, bool) {
	if t == nil {
		return Match{}, false
	}
	for _, r := range t.rules {
		if !r.couldMatch(path) {
			continue
		}
		if dest, ok := r.Rewrite(path, rawQuery); ok {
			return Match{Rule: r, Destination: dest}, true
		}
	}
	return Match{}, false
}
