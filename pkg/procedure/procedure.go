package procedure

import (
	"errors"
	"fmt"

	"github.com/synaptica-ai/worklist/pkg/common/models"
)

// Authority identifies who is asking for a status change.
type Authority string

const (
	AuthoritySync      Authority = "sync"
	AuthorityEquipment Authority = "equipment"
)

type Result string

const (
	Applied   Result = "applied"
	Unchanged Result = "unchanged"
	Rejected  Result = "rejected"
	Conflict  Result = "conflict"
)

// Outcome is the verdict for one attempted transition. Only Applied
// changes the stored status.
type Outcome struct {
	From      models.ProcedureStatus
	To        models.ProcedureStatus
	Authority Authority
	Result    Result
	Reason    string
}

func (o Outcome) Changed() bool {
	return o.Result == Applied
}

// Err returns the outcome as an error for logging; nil when the transition
// was applied or was already in effect.
func (o Outcome) Err() error {
	switch o.Result {
	case Conflict:
		return &ConflictError{Outcome: o}
	case Rejected:
		return &TransitionError{Outcome: o}
	}
	return nil
}

// ConflictError marks a sync transition overridden by equipment progress.
type ConflictError struct {
	Outcome Outcome
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("state conflict: %s cannot move %s to %s: %s", e.Outcome.Authority, e.Outcome.From, e.Outcome.To, e.Outcome.Reason)
}

// TransitionError marks an edge that is not permitted for the authority.
type TransitionError struct {
	Outcome Outcome
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s cannot move %s to %s: %s", e.Outcome.Authority, e.Outcome.From, e.Outcome.To, e.Outcome.Reason)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// Evaluate decides whether authority may move a step from one status to
// another. It never panics and never returns an error; rejected edges are
// reported through the Outcome.
func Evaluate(from, to models.ProcedureStatus, authority Authority) Outcome {
	out := Outcome{From: from, To: to, Authority: authority}

	if !to.Valid() {
		return reject(out, "unknown target status")
	}
	if !from.Valid() {
		return reject(out, "unknown current status")
	}

	if authority == AuthoritySync && to == models.StatusDiscontinued && from == models.StatusCompleted {
		out.Result = Conflict
		out.Reason = "equipment has completed the step"
		return out
	}

	if from.IsTerminal() {
		if from == to {
			out.Result = Unchanged
			out.Reason = "already terminal"
			return out
		}
		return reject(out, "terminal state")
	}

	switch authority {
	case AuthoritySync:
		return evaluateSync(out)
	case AuthorityEquipment:
		return evaluateEquipment(out)
	}
	return reject(out, "unknown authority")
}

func evaluateSync(out Outcome) Outcome {
	switch out.To {
	case models.StatusScheduled:
		if out.From == models.StatusScheduled {
			out.Result = Unchanged
			return out
		}
		return reject(out, "sync cannot reschedule a started step")
	case models.StatusDiscontinued:
		if out.From == models.StatusInProgress {
			out.Result = Conflict
			out.Reason = "equipment has started the step"
			return out
		}
		out.Result = Applied
		return out
	}
	return reject(out, "sync may only set SCHEDULED or DISCONTINUED")
}

func evaluateEquipment(out Outcome) Outcome {
	switch {
	case out.From == out.To && out.To == models.StatusInProgress:
		out.Result = Unchanged
		out.Reason = "step already in progress"
	case out.From == models.StatusScheduled && out.To == models.StatusInProgress,
		out.From == models.StatusInProgress && out.To == models.StatusCompleted,
		out.From == models.StatusInProgress && out.To == models.StatusDiscontinued,
		out.From == models.StatusScheduled && out.To == models.StatusDiscontinued:
		out.Result = Applied
	case out.To == models.StatusScheduled:
		return reject(out, "equipment cannot set SCHEDULED")
	default:
		return reject(out, "step has not started")
	}
	return out
}

func reject(out Outcome, reason string) Outcome {
	out.Result = Rejected
	out.Reason = reason
	return out
}
