package types

import (
	"github.com/moonkev/rewriteds/internal/common/config"
)

// RewriteRule maps an inbound path pattern to a destination URL template.
type RewriteRule struct {
	Name        string `yaml:"name,omitempty" json:"-"`
	Source      string `yaml:"source" json:"source"`
	Destination string `yaml:"destination" json:"destination"`
	Origin      string `yaml:"-" json:"-"` // loader that declared the rule
}

// TypeScriptOptions carries the build flag controlling type-check failures.
type TypeScriptOptions struct {
	IgnoreBuildErrors bool `yaml:"ignoreBuildErrors" json:"ignoreBuildErrors"`
}

// ProxyOptions configures the in-process forwarding proxy
type ProxyOptions struct {
	Fallback    string          `yaml:"fallback,omitempty" json:"-"`
	DialTimeout config.Duration `yaml:"dialTimeout,omitempty" json:"-"`
}

// Declaration is the full rewrite declaration read once at startup.
type Declaration struct {
	Rewrites   []RewriteRule     `yaml:"rewrites" json:"rewrites"`
	TypeScript TypeScriptOptions `yaml:"typescript" json:"typescript"`
	Proxy      ProxyOptions      `yaml:"proxy,omitempty" json:"-"`
}

// DefaultDeclaration forwards /api/* to the local backend and lets builds
// proceed past type-check errors.
func DefaultDeclaration() *Declaration {
	return &Declaration{
		Rewrites: []RewriteRule{{
			Name:        "api",
			Source:      "/api/:path*",
			Destination: "http://localhost:3002/:path*",
			Origin:      "default",
		}},
		TypeScript: TypeScriptOptions{IgnoreBuildErrors: true},
	}
}
