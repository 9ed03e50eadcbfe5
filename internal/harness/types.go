package harness

// Trace entry kinds.
const (
	KindEvent  = "event"
	KindClient = "client"
	KindTick   = "tick"
)

// Step outcomes besides the engine's applied/dropped/failed.
const (
	// OutcomeInvalid means the event was rejected before processing.
	OutcomeInvalid = "invalid"

	// OutcomeSkipped means a failed client sequence refused to send.
	OutcomeSkipped = "skipped"
)

// TraceEvent records what happened to one step.
type TraceEvent struct {
	Step            int    `json:"step"`
	Kind            string `json:"kind"`
	Type            string `json:"type"`
	SequenceID      string `json:"sequence_id,omitempty"`
	SequenceCounter int64  `json:"sequence_counter,omitempty"`
	RevertPoint     bool   `json:"revert_point,omitempty"`
	Seq             int64  `json:"seq,omitempty"`
	Outcome         string `json:"outcome,omitempty"`
	Reason          string `json:"reason,omitempty"`

	// Error is the processing error, if any. Not part of golden traces.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion matched.
	Pass bool `json:"pass"`

	// Trace contains one entry per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State is the final content of every document container.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends a trace entry.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
