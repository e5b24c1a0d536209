package persistence

import "fmt"

// Outcome records what happened to the transaction behind a write.
type Outcome int

const (
	// OutcomeNotStarted means no transaction was opened, so nothing changed.
	OutcomeNotStarted Outcome = iota
	// OutcomeCommitted means every statement of the write is durable.
	OutcomeCommitted
	// OutcomeRolledBack means the write failed and storage is unchanged.
	OutcomeRolledBack
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotStarted:
		return "not_started"
	case OutcomeCommitted:
		return "committed"
	case OutcomeRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// WriteResult is returned by transactional writes alongside any error.
type WriteResult struct {
	Outcome    Outcome
	EmployeeID int64
}

// Committed reports whether the write took effect.
func (r WriteResult) Committed() bool {
	return r.Outcome == OutcomeCommitted
}
