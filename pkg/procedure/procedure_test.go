package procedure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

const (
	sched = models.StatusScheduled
	prog  = models.StatusInProgress
	done  = models.StatusCompleted
	disc  = models.StatusDiscontinued
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to  models.ProcedureStatus
		authority Authority
		want      Result
	}{
		{sched, sched, AuthoritySync, Unchanged},
		{sched, disc, AuthoritySync, Applied},
		{prog, disc, AuthoritySync, Conflict},
		{done, disc, AuthoritySync, Conflict},
		{disc, disc, AuthoritySync, Unchanged},
		{disc, sched, AuthoritySync, Rejected},
		{prog, sched, AuthoritySync, Rejected},
		{sched, prog, AuthoritySync, Rejected},
		{sched, done, AuthoritySync, Rejected},

		{sched, prog, AuthorityEquipment, Applied},
		{prog, prog, AuthorityEquipment, Unchanged},
		{prog, done, AuthorityEquipment, Applied},
		{prog, disc, AuthorityEquipment, Applied},
		{sched, disc, AuthorityEquipment, Applied},
		{sched, done, AuthorityEquipment, Rejected},
		{prog, sched, AuthorityEquipment, Rejected},
		{done, prog, AuthorityEquipment, Rejected},
		{done, done, AuthorityEquipment, Unchanged},
		{disc, done, AuthorityEquipment, Rejected},

		{sched, "BOOKED", AuthoritySync, Rejected},
		{sched, prog, "scanner", Rejected},
	}

	for _, tc := range cases {
		got := Evaluate(tc.from, tc.to, tc.authority)
		assert.Equal(t, tc.want, got.Result, "%s: %s -> %s", tc.authority, tc.from, tc.to)
	}
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, Evaluate(sched, prog, AuthorityEquipment).Err())
	assert.NoError(t, Evaluate(prog, prog, AuthorityEquipment).Err())

	conflict := Evaluate(prog, disc, AuthoritySync).Err()
	assert.True(t, IsConflict(conflict))
	assert.Contains(t, conflict.Error(), "IN_PROGRESS")

	rejected := Evaluate(done, sched, AuthoritySync).Err()
	var te *TransitionError
	assert.ErrorAs(t, rejected, &te)
	assert.False(t, IsConflict(rejected))
}

func TestNoEdgeLeavesTerminalState(t *testing.T) {
	all := []models.ProcedureStatus{sched, prog, done, disc}
	for _, from := range []models.ProcedureStatus{done, disc} {
		for _, to := range all {
			for _, authority := range []Authority{AuthoritySync, AuthorityEquipment} {
				assert.False(t, Evaluate(from, to, authority).Changed(), "%s -> %s by %s", from, to, authority)
			}
		}
	}
}
