package admission

// Result is the outcome of an admission attempt.
type Result int

const (
	ResultAdmitted   Result = iota // Placed in the admission queue
	ResultOverflowed               // Placed in the overflow buffer
	ResultRejected                 // Sent the busy notice and closed
)

// String returns the label used for logs and metrics.
func (r Result) String() string {
	switch r {
	case ResultAdmitted:
		return "admitted"
	case ResultOverflowed:
		return "overflowed"
	case ResultRejected:
		return "rejected"
	default:
		return "unknown"
	}
}
