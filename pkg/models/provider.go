package models

import "time"

// ProviderHealthState is the router's view of a provider.
type ProviderHealthState string

const (
	ProviderHealthy   ProviderHealthState = "healthy"
	ProviderUnhealthy ProviderHealthState = "unhealthy"
	ProviderProbing   ProviderHealthState = "probing"
)

// ProviderHealth is a point-in-time snapshot of one provider's health.
type ProviderHealth struct {
	Provider            string              `json:"provider"`
	State               ProviderHealthState `json:"state"`
	ConsecutiveFailures uint32              `json:"consecutive_failures"`
	TotalSuccesses      uint64              `json:"total_successes"`
	TotalFailures       uint64              `json:"total_failures"`
	LastChange          time.Time           `json:"last_change"`
}

// RoutingRule selects an ordered provider chain when its condition matches.
type RoutingRule struct {
	Name      string   `json:"name" yaml:"name"`
	Priority  int      `json:"priority" yaml:"priority"`
	When      string   `json:"when,omitempty" yaml:"when"`
	Providers []string `json:"providers" yaml:"providers"`
}
