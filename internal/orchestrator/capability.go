package orchestrator

import (
	"strings"

	"github.com/Jasonzhangf/finger-sub001/internal/resources"
)

// CapabilityRule maps a lexical keyword found in a task description to a
// resource requirement. The rule table is taken from
// Dependencies.CapabilityRules; nothing in this module loads it from a
// config file. PARALLEL_DISPATCH and BLOCKED_REVIEW both run every task
// description through that rule set via InferRequirements.
type CapabilityRule struct {
	Keyword    string
	Type       resources.Type
	MinLevel   int
	Capability string
}

// DefaultCapabilityRules is the fallback rule set used when a Dependencies
// value omits CapabilityRules. It covers only the generic
// file/search/review/database/api split; internal/config has no setting
// for a custom table.
func DefaultCapabilityRules() []CapabilityRule {
	return []CapabilityRule{
		{Keyword: "write", Type: resources.TypeExecutor, Capability: "file_ops"},
		{Keyword: "read", Type: resources.TypeExecutor, Capability: "file_ops"},
		{Keyword: "file", Type: resources.TypeExecutor, Capability: "file_ops"},
		{Keyword: "search", Type: resources.TypeTool, Capability: "web_search"},
		{Keyword: "fetch", Type: resources.TypeTool, Capability: "web_search"},
		{Keyword: "review", Type: resources.TypeReviewer},
		{Keyword: "verify", Type: resources.TypeReviewer},
		{Keyword: "query", Type: resources.TypeDatabase},
		{Keyword: "database", Type: resources.TypeDatabase},
		{Keyword: "api", Type: resources.TypeAPI},
	}
}

// InferRequirements derives the resource requirements a task description
// implies, deduping by (type, capability) so a description matching
// several keywords for the same concern does not request duplicate
// resources. A description matching no rule falls back to a single
// bare TypeExecutor requirement, since every dispatched task needs at
// least one resource to run against.
func InferRequirements(description string, rules []CapabilityRule) []resources.Requirement {
	lower := strings.ToLower(description)
	seen := make(map[string]bool)
	var reqs []resources.Requirement
	for _, rule := range rules {
		if !strings.Contains(lower, strings.ToLower(rule.Keyword)) {
			continue
		}
		key := string(rule.Type) + "|" + rule.Capability
		if seen[key] {
			continue
		}
		seen[key] = true
		req := resources.Requirement{Type: rule.Type, MinLevel: rule.MinLevel}
		if rule.Capability != "" {
			req.Capabilities = []string{rule.Capability}
		}
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		reqs = append(reqs, resources.Requirement{Type: resources.TypeExecutor})
	}
	return reqs
}
