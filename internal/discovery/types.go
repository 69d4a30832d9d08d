package discovery

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Method records how a thing was found.
type Method string

const (
	MethodWellKnown Method = "well-known"
	MethodDirectURL Method = "direct-url"
	MethodScan      Method = "scan"
)

// ValidationStatus is the outcome of the validation pass for one thing.
type ValidationStatus string

const (
	StatusPending ValidationStatus = "pending"
	StatusValid   ValidationStatus = "valid"
	StatusInvalid ValidationStatus = "invalid"
	// StatusWarning means the validator itself failed on the description.
	StatusWarning ValidationStatus = "warning"
)

// Phase is the state of a discovery run. Phases only move forward.
type Phase string

const (
	PhaseScanning   Phase = "scanning"
	PhaseValidating Phase = "validating"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
)

// Rank orders phases; a run never reports a lower rank after a higher one.
func (p Phase) Rank() int {
	switch p {
	case PhaseScanning:
		return 1
	case PhaseValidating:
		return 2
	case PhaseCompleted, PhaseError:
		return 3
	}
	return 0
}

// Thing is a discovered Thing Description and its bookkeeping.
type Thing struct {
	ID          string          `json:"id"`
	SourceURL   string          `json:"sourceUrl"`
	TD          json.RawMessage `json:"td,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Method      Method          `json:"discoveryMethod"`
	LastSeen    time.Time       `json:"lastSeen"`
	Online      bool            `json:"online"`

	// Placeholder is set for directory links whose description was not fetched.
	Placeholder bool `json:"placeholder,omitempty"`

	ValidationStatus   ValidationStatus `json:"validationStatus"`
	ValidationErrors   []string         `json:"validationErrors,omitempty"`
	ValidationWarnings []string         `json:"validationWarnings,omitempty"`
}

// Progress is a snapshot of a discovery run.
type Progress struct {
	RunID      uuid.UUID `json:"runId"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	CurrentURL string    `json:"currentUrl,omitempty"`
	Status     Phase     `json:"status"`
}

// URLError is a per-endpoint failure recorded during a run.
type URLError struct {
	URL     string `json:"url"`
	Message string `json:"message"`
}

// Result aggregates a discovery run. Cancelled is set when the run was
// stopped after at least one batch finished; Discovered then holds what was
// found so far and unvalidated things remain pending.
type Result struct {
	Discovered []Thing    `json:"discovered"`
	Errors     []URLError `json:"errors"`
	Progress   Progress   `json:"progress"`
	Cancelled  bool       `json:"cancelled,omitempty"`
}
