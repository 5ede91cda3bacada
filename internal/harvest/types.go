// Package harvest defines the core types shared by the registry harvesting engine.
package harvest

import (
	"encoding/json"
	"net/http"
	"time"
)

// WorkItem is one registry identifier (a "file number") to resolve.
type WorkItem string

// QueueEntry is a WorkItem at a fixed position of the run's input.
// Seq keeps duplicate identifiers distinct.
type QueueEntry struct {
	Seq  int      `json:"seq"`
	Item WorkItem `json:"file_number"`
}

// NewQueue assigns input positions to items in order.
func NewQueue(items []WorkItem) []QueueEntry {
	queue := make([]QueueEntry, len(items))
	for i, item := range items {
		queue[i] = QueueEntry{Seq: i, Item: item}
	}
	return queue
}

// Items strips the positions from entries.
func Items(entries []QueueEntry) []WorkItem {
	out := make([]WorkItem, len(entries))
	for i, entry := range entries {
		out[i] = entry.Item
	}
	return out
}

// OutcomeKind tags an ItemOutcome.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeBlocked OutcomeKind = "blocked"
)

// ItemOutcome is the result of one attempt at one WorkItem.
type ItemOutcome struct {
	Kind      OutcomeKind       `json:"kind"`
	Records   []CollectedRecord `json:"records,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// Success builds a successful outcome.
func Success(records []CollectedRecord) ItemOutcome {
	if records == nil {
		records = []CollectedRecord{}
	}
	return ItemOutcome{Kind: OutcomeSuccess, Records: records}
}

// Failure builds a failed outcome.
func Failure(reason string, retryable bool) ItemOutcome {
	return ItemOutcome{Kind: OutcomeFailure, Reason: reason, Retryable: retryable}
}

// Blocked builds a blocked outcome.
func Blocked(reason string) ItemOutcome {
	return ItemOutcome{Kind: OutcomeBlocked, Reason: reason}
}

// IsBlocked reports whether the outcome signals edge blocking.
func (o ItemOutcome) IsBlocked() bool { return o.Kind == OutcomeBlocked }

// IsSuccess reports whether the outcome carries collected records.
func (o ItemOutcome) IsSuccess() bool { return o.Kind == OutcomeSuccess }

// CollectedRecord joins one search hit with its detail document.
// Fragments are passed through unmodified.
type CollectedRecord struct {
	WorkItem       WorkItem        `json:"file_number"`
	SubID          string          `json:"business_id"`
	SearchFragment json.RawMessage `json:"search_data"`
	DetailFragment json.RawMessage `json:"details"`
}

// Response is the raw result of one registry call, kept intact for classification.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// SearchResult is the decoded registry search response.
type SearchResult struct {
	Rows map[string]json.RawMessage `json:"rows"`
}

// Completion is one item's outcome inside a batch.
type Completion struct {
	Entry   QueueEntry  `json:"entry"`
	Outcome ItemOutcome `json:"outcome"`
}

// BatchResult partitions a batch's input into completed and remaining entries.
// Completed is in completion order; Remaining preserves input order.
type BatchResult struct {
	Completed   []Completion
	Remaining   []QueueEntry
	Blocked     bool
	Interrupted bool
}

// ItemResult is the report form of a completed entry.
type ItemResult struct {
	Seq      int         `json:"seq"`
	WorkItem WorkItem    `json:"file_number"`
	Outcome  ItemOutcome `json:"outcome"`
}

// RunReport is the terminal artifact of one run.
type RunReport struct {
	RunID          string       `json:"run_id"`
	BatchNumber    int          `json:"batch_number"`
	TotalRequested int          `json:"total_requested"`
	Processed      int          `json:"processed"`
	Remaining      []WorkItem   `json:"remaining"`
	Blocked        bool         `json:"blocked"`
	Interrupted    bool         `json:"interrupted,omitempty"`
	Successful     int          `json:"successful"`
	Failed         int          `json:"failed"`
	RecordsFound   int          `json:"records_found"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	Results        []ItemResult `json:"results"`
}

// NeedsHandoff reports whether a follow-up run must pick up remaining work.
func (r RunReport) NeedsHandoff() bool {
	return (r.Blocked || r.Interrupted) && len(r.Remaining) > 0
}

// ResumeManifest describes unfinished work for the next run.
type ResumeManifest struct {
	RunID          string     `json:"run_id,omitempty"`
	RemainingItems []WorkItem `json:"remaining_items"`
	BlockedItems   []WorkItem `json:"blocked_items,omitempty"`
	BatchNumber    int        `json:"batch_number"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ResumeInput is the next run's input. Items that were blocked in this run
// are appended after the remaining items when retryBlocked is set.
func (m ResumeManifest) ResumeInput(retryBlocked bool) []WorkItem {
	out := make([]WorkItem, 0, len(m.RemainingItems)+len(m.BlockedItems))
	out = append(out, m.RemainingItems...)
	if retryBlocked {
		out = append(out, m.BlockedItems...)
	}
	return out
}

// NextBatchNumber is the batch counter the resuming run must use.
func (m ResumeManifest) NextBatchNumber() int {
	return m.BatchNumber + 1
}

// RunSummary is the compact row recorded per finished run.
type RunSummary struct {
	RunID            string    `json:"run_id"`
	BatchNumber      int       `json:"batch_number"`
	TotalRequested   int       `json:"total_requested"`
	Processed        int       `json:"processed"`
	Remaining        int       `json:"remaining"`
	Successful       int       `json:"successful"`
	Blocked          bool      `json:"blocked"`
	Interrupted      bool      `json:"interrupted"`
	ReportLocation   string    `json:"report_location"`
	ManifestLocation string    `json:"manifest_location,omitempty"`
	FinishedAt       time.Time `json:"finished_at"`
}
