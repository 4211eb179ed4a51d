package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Rules is an ordered list of header rules. The first matching rule wins.
type Rules []Rule

// Rule injects cache and security headers into origin responses.
type Rule struct {
	// Match requests whose path starts with Prefix.
	Prefix string `yaml:"prefix"`
	// Match requests with exactly this path.
	Path string `yaml:"path"`
	// Match requests having these query parameters. An empty value matches any value.
	Query map[string]string `yaml:"query"`
	// Cache-Control to set if the origin did not send one.
	Default string `yaml:"default"`
	// Cache-Control to set regardless of what the origin sent.
	Override string `yaml:"override"`
	// Headers to set on the response, e.g. security headers.
	Headers map[string]string `yaml:"headers"`
}

// Apply applies the first matching rule to a response.
// The response must have its Request set.
// Only successful responses to GET and HEAD requests are touched.
func (r Rules) Apply(res *http.Response) {
	if res.Request == nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		return
	}
	if res.Request.Method != http.MethodGet && res.Request.Method != http.MethodHead {
		return
	}
	if rule := r.find(res.Request); rule != nil {
		applyRuleToResponse(*rule, res)
	}
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if res.Header == nil {
		res.Header = http.Header{}
	}
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(req *http.Request) *Rule {
rulesLoop:
	for i, rule := range r {
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &r[i]
	}
	return nil
}
