// Package catalog is the static model catalog and tier table consumed by
// the dispatcher at its boundary. The dashboard and setup tooling that
// manage these entries live outside this service.
package catalog

import "inference-bridge/internal/models"

// Model describes one servable upstream model.
type Model struct {
	Name           string
	MaxInputTokens int
	CostPer1K      float64 // USD per 1000 output tokens
}

var byName = map[string]Model{
	"gpt-4o":            {Name: "gpt-4o", MaxInputTokens: 128000, CostPer1K: 0.015},
	"gpt-4o-mini":       {Name: "gpt-4o-mini", MaxInputTokens: 128000, CostPer1K: 0.0006},
	"claude-3-5-sonnet": {Name: "claude-3-5-sonnet", MaxInputTokens: 200000, CostPer1K: 0.015},
	"gemini-1.5-pro":    {Name: "gemini-1.5-pro", MaxInputTokens: 1000000, CostPer1K: 0.005},
	"llama-3.1-405b":    {Name: "llama-3.1-405b", MaxInputTokens: 128000, CostPer1K: 0.003},
}

// Lookup returns the catalog entry for a model name.
func Lookup(name string) (Model, bool) {
	m, ok := byName[name]
	return m, ok
}

// Tier priorities. Higher integer is served first.
var tierPriority = map[string]int{
	"free": 10,
	"plus": 50,
	"pro":  100,
}

// PriorityFor maps a user tier to its queue priority. Unknown tiers get
// free-tier priority.
func PriorityFor(tier string) int {
	if p, ok := tierPriority[tier]; ok {
		return p
	}
	return tierPriority["free"]
}

var tierLimits = map[string]models.RateLimits{
	"free": {PerMinute: 10, PerHour: 100, PerDay: 500},
	"plus": {PerMinute: 30, PerHour: 500, PerDay: 3000},
	"pro":  {PerMinute: 100, PerHour: 2000, PerDay: 20000},
}

// LimitsFor maps a user tier to its rate limits. Unknown tiers get
// free-tier limits.
func LimitsFor(tier string) models.RateLimits {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits["free"]
}
