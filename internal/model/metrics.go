package model

import "time"

// AggregateFilter narrows GetAggregatedStats. Zero values mean "any".
type AggregateFilter struct {
	WorkspacePath string
	Provider      string
	FromDate      time.Time
	ToDate        time.Time
}

// AggregatedStats holds sums and counts across sessions joined with their stats.
type AggregatedStats struct {
	TotalSessions     int     `json:"total_sessions"`
	CompletedSessions int     `json:"completed_sessions"`
	FailedSessions    int     `json:"failed_sessions"`
	TokensIn          int64   `json:"tokens_in"`
	TokensOut         int64   `json:"tokens_out"`
	TotalCost         float64 `json:"total_cost"`
	FilesChanged      int64   `json:"files_changed"`
	LinesAdded        int64   `json:"lines_added"`
	LinesRemoved      int64   `json:"lines_removed"`
	DurationSeconds   float64 `json:"duration_seconds"`

	ByProvider []ProviderStats `json:"by_provider"`
}

// SuccessRate returns completed/total in 0-1, or 0 with no sessions.
func (a AggregatedStats) SuccessRate() float64 {
	if a.TotalSessions == 0 {
		return 0
	}
	return float64(a.CompletedSessions) / float64(a.TotalSessions)
}

// ProviderStats holds aggregated metrics for a single provider.
type ProviderStats struct {
	Provider     string  `json:"provider"`
	Sessions     int     `json:"sessions"`
	Completed    int     `json:"completed"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	Cost         float64 `json:"cost"`
	SharePercent float64 `json:"share_percent"`
}
