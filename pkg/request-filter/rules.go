// Package requestfilter builds cache filter predicates from declarative rules.
package requestfilter

import (
	"net/http"
	"strings"

	"github.com/cleverplatypus/apihive-adapter-simple-cache/pkg/pipeline"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule matches calls. Empty fields match anything, except Method:
// an empty Method only matches GET requests.
// Path and Prefix are compared with the endpoint path template, e.g. /users/{id}.
type Rule struct {
	API      string            `yaml:"api"`
	Endpoint string            `yaml:"endpoint"`
	Method   string            `yaml:"method"`
	Path     string            `yaml:"path"`
	Prefix   string            `yaml:"prefix"`
	Query    map[string]string `yaml:"query"`
	// Deny vetoes caching for matching calls.
	Deny bool `yaml:"deny"`
}

// Filter returns a predicate allowing the calls whose first matching rule does not deny.
// Calls no rule matches are rejected. Empty rules give a nil filter, which allows everything.
func (r Rules) Filter() func(*pipeline.RequestConfig) bool {
	if len(r) == 0 {
		return nil
	}
	return func(config *pipeline.RequestConfig) bool {
		rule := r.find(config)
		return rule != nil && !rule.Deny
	}
}

func (r Rules) find(config *pipeline.RequestConfig) *Rule {
	apiName := ""
	if config.API != nil {
		apiName = config.API.Name
	}
	path := ""
	if config.Endpoint != nil {
		path = config.Endpoint.Path
	}
	log.Trace().Msgf("Finding rule for %s %s.%s", config.Method, apiName, config.EndpointName)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Method == "" && config.Method != http.MethodGet {
			continue
		}
		if rule.Method != "" && !strings.EqualFold(rule.Method, config.Method) {
			continue
		}
		if rule.API != "" && rule.API != apiName {
			continue
		}
		if rule.Endpoint != "" && rule.Endpoint != config.EndpointName {
			continue
		}
		if rule.Path != "" && rule.Path != path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		for name, value := range rule.Query {
			if value == "" && !config.Query.Has(name) {
				continue rulesLoop
			} else if value != "" && config.Query.Get(name) != value {
				continue rulesLoop
			}
		}
		return rule
	}
	return nil
}

// MethodFilter allows only calls using one of the given methods.
// Without methods it returns nil.
func MethodFilter(methods ...string) func(*pipeline.RequestConfig) bool {
	rules := make(Rules, 0, len(methods))
	for _, m := range methods {
		rules = append(rules, Rule{Method: strings.ToUpper(m)})
	}
	return rules.Filter()
}
