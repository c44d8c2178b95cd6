package delegation

// DispatchState tracks one dispatch call. No state survives across calls.
type DispatchState string

const (
	StatePending       DispatchState = "pending"
	StateQuotaRejected DispatchState = "quota_rejected"
	StateRunning       DispatchState = "running"
	StateSucceeded     DispatchState = "succeeded"
	StateFailed        DispatchState = "failed"
)

// DispatchResult is the outcome of one delegation attempt. Err carries the
// classified failure; Warnings carry degraded side effects (e.g. the usage
// record could not be written) that do not change the outcome.
type DispatchResult struct {
	ServiceID       string             `json:"service_id"`
	State           DispatchState      `json:"state"`
	Success         bool               `json:"success"`
	Output          string             `json:"output,omitempty"`
	Stderr          string             `json:"stderr,omitempty"`
	ExitCode        int                `json:"exit_code"`
	EstimatedTokens int                `json:"estimated_tokens"`
	DurationSeconds float64            `json:"duration_seconds"`
	Command         *CommandDescriptor `json:"command,omitempty"`
	Quota           *QuotaStatus       `json:"quota,omitempty"`
	Err             error              `json:"-"`
	ErrorKind       ErrorKind          `json:"error_kind,omitempty"`
	Error           string             `json:"error,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// Fail marks the result failed with a classified error
func (r *DispatchResult) Fail(state DispatchState, err error) {
	r.State = state
	r.Success = false
	r.Err = err
	r.ErrorKind = KindOf(err)
	if err != nil {
		r.Error = err.Error()
	}
}
