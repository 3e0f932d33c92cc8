package gateway

// Outcome classifies a capture attempt. The coordinator switches on this
// instead of unpicking gateway error payloads.
type Outcome string

const (
	// OutcomeCaptured: funds captured, TransactionID and Amount are set.
	OutcomeCaptured Outcome = "captured"
	// OutcomeRecoverable: the instrument was declined; the same order can go
	// back through the approval flow. Not an error.
	OutcomeRecoverable Outcome = "recoverable"
	// OutcomeFailed: any other gateway-reported issue or an unusable response.
	// DebugID carries the gateway's support reference when present.
	OutcomeFailed Outcome = "failed"
)

// OrderRequest describes the payable order for one invoice. Amount is the
// already-formatted 2-decimal string; the gateway matches it character for
// character and nothing downstream re-derives it.
type OrderRequest struct {
	Amount      string
	Currency    string
	ReferenceID string
	Description string
}

// CaptureResult is the three-state outcome of a capture call.
type CaptureResult struct {
	Outcome       Outcome
	TransactionID string
	Amount        string
	Issue         string
	DebugID       string
}

// instrument-decline issue code that marks a capture retryable
const issueInstrumentDeclined = "INSTRUMENT_DECLINED"
