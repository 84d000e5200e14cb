package domain

import "time"

// RunOptions is the configuration a per-source wrapper supplies to a run.
type RunOptions struct {
	Limit          int  `json:"limit" validate:"gte=0"`  // 0 means no limit
	Offset         int  `json:"offset" validate:"gte=0"` // items to skip from the head of the listing
	ForceReprocess bool `json:"force_reprocess"`
	SkipEnrichment bool `json:"skip_enrichment"`
	Backfill       bool `json:"backfill"` // also walk the listing from its tail
}

// RunStats is the structured summary of one source run.
type RunStats struct {
	RunID            string    `json:"run_id"`
	Source           string    `json:"source"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Fetched          int       `json:"fetched"`
	New              int       `json:"new"`
	Updated          int       `json:"updated"`
	SkippedUnchanged int       `json:"skipped_unchanged"`
	SkippedInvalid   int       `json:"skipped_invalid"`
	NotFound         int       `json:"not_found"`
	Errored          int       `json:"errored"`
	Aborted          bool      `json:"aborted"`
	AbortReason      string    `json:"abort_reason,omitempty"`
}

// Processed is the number of items that reached a terminal state.
func (s *RunStats) Processed() int {
	return s.New + s.Updated + s.SkippedUnchanged + s.SkippedInvalid + s.NotFound + s.Errored
}
