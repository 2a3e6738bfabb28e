// Package security decides whether a URL may be fetched at all.
//
// Classification is a pure string check done before any network action,
// so a blocked request never uses a peer slot or opens a connection.
package security

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/openrag/openrag-go/pkg/config"
)

// Reason codes of a blocked verdict.
const (
	ReasonDomain    = "domain"
	ReasonExtension = "extension"
	ReasonScheme    = "scheme"
)

type Verdict struct {
	Allowed bool
	// Rule is one of the Reason* codes when blocked.
	Rule    string
	Message string
}

func (v Verdict) String() string {
	if v.Allowed {
		return "allowed"
	}
	return "blocked(" + v.Rule + "): " + v.Message
}

var allowed = Verdict{Allowed: true}

// Rules is an immutable rule set. All entries are lower-case.
type Rules struct {
	Domains    []string `json:"domains" yaml:"domains"`
	Extensions []string `json:"extensions" yaml:"extensions"`
	Schemes    []string `json:"schemes" yaml:"schemes"`
}

// NewRules normalizes the security config into a rule set.
func NewRules(conf config.Security) *Rules {
	conf = conf.WithDefaults()
	return &Rules{
		Domains:    normalize(conf.Domains),
		Extensions: normalize(conf.Extensions),
		Schemes:    normalize(conf.Schemes),
	}
}

func normalize(list []string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Classify checks the domain list first, then extensions, then schemes,
// the first hit wins.
func (r *Rules) Classify(target string) Verdict {
	lower := strings.ToLower(target)
	for _, d := range r.Domains {
		if strings.Contains(lower, d) {
			return Verdict{Rule: ReasonDomain,
				Message: fmt.Sprintf("access to '%s' is prohibited", target)}
		}
	}
	for _, ext := range r.Extensions {
		if strings.HasSuffix(lower, ext) {
			return Verdict{Rule: ReasonExtension, Message: "executable files are strictly forbidden"}
		}
	}
	if len(r.Schemes) > 0 {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" || !contains(r.Schemes, strings.ToLower(u.Scheme)) {
			return Verdict{Rule: ReasonScheme, Message: fmt.Sprintf("'%s' is not a fetchable URL", target)}
		}
	}
	return allowed
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Filter holds the current rule set and lets it be swapped at runtime.
type Filter struct {
	rules atomic.Pointer[Rules]
}

func NewFilter(rules *Rules) *Filter {
	f := &Filter{}
	f.Set(rules)
	return f
}

// Classify runs the URL against the rule set loaded at call time.
func (f *Filter) Classify(target string) Verdict { return f.Rules().Classify(target) }

func (f *Filter) Rules() *Rules {
	if r := f.rules.Load(); r != nil {
		return r
	}
	return NewRules(config.Security{})
}

// Set swaps the rule set; nil restores the defaults.
func (f *Filter) Set(rules *Rules) {
	if rules == nil {
		rules = NewRules(config.Security{})
	}
	f.rules.Store(rules)
}
