package types

import "time"

const CurrentBalancingStateVersion = 1

// BalancingMode says why a balancing cycle was scheduled.
type BalancingMode string

const (
	BalancingModeNatural       BalancingMode = "natural"
	BalancingModeOpportunistic BalancingMode = "opportunistic"
	BalancingModeForced        BalancingMode = "forced"
)

type BalancingPriority string

const (
	BalancingPriorityNormal   BalancingPriority = "normal"
	BalancingPriorityCritical BalancingPriority = "critical"
)

// BalancingInterval is a pre-charge step before the holding window.
type BalancingInterval struct {
	Timestamp time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode"`
}

// BalancingPlan is a scheduled full-charge cycle.
type BalancingPlan struct {
	Mode         BalancingMode       `json:"mode"`
	Priority     BalancingPriority   `json:"priority"`
	Locked       bool                `json:"locked"`
	HoldingStart time.Time           `json:"holdingStart"`
	HoldingEnd   time.Time           `json:"holdingEnd"`
	Reason       string              `json:"reason"`
	PlanID       string              `json:"planID,omitempty"`
	Intervals    []BalancingInterval `json:"intervals,omitempty"`
	Costs        *CostComparison     `json:"costs,omitempty"`
}

// CandidateCost is the evaluated cost of balancing in one window.
type CandidateCost struct {
	WindowStart  time.Time `json:"windowStart"`
	AvgPrice     float64   `json:"avgPrice"`
	ChargeCost   float64   `json:"chargeCost"`
	WaitCost     float64   `json:"waitCost"`
	HoldingCost  float64   `json:"holdingCost"`
	TotalCost    float64   `json:"totalCost"`
	MedianPassed bool      `json:"medianPassed"`
}

// CostComparison is the opportunistic decision record.
type CostComparison struct {
	Immediate       CandidateCost   `json:"immediate"`
	Candidates      []CandidateCost `json:"candidates"`
	Selected        CandidateCost   `json:"selected"`
	BaselineCost    float64         `json:"baselineCost"`
	IncrementalCost float64         `json:"incrementalCost"`
}

// BalancingState is persisted per device between checks.
type BalancingState struct {
	LastBalancing time.Time      `json:"lastBalancing"`
	LastAttempt   time.Time      `json:"lastAttempt,omitzero"`
	LastCheck     time.Time      `json:"lastCheck,omitzero"`
	LastResult    string         `json:"lastResult,omitempty"`
	ActivePlan    *BalancingPlan `json:"activePlan,omitempty"`
}

// DaysSince returns the fractional days between the last balancing and now.
// A device that never balanced reports a very large number.
func (s BalancingState) DaysSince(now time.Time) float64 {
	if s.LastBalancing.IsZero() {
		return 1e6
	}
	return now.Sub(s.LastBalancing).Hours() / 24
}
