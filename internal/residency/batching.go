package residency

import (
	"time"

	"github.com/edgecoord/jobqueue/internal/jobstore"
)

// Switch reasons for pickNextBatched (spec §4.2).
const (
	SwitchReasonNoCurrent          = "no_current"
	SwitchReasonQueueEmptyForModel = "queue_empty_for_current"
	SwitchReasonMaxWaitExceeded    = "maxwait_exceeded"
	SwitchReasonPriorityOverride   = "priority_override"
)

// PickNextBatched implements the Model Residency Manager's batching policy
// (spec §4.2): given the pending queue and the model currently resident,
// choose which job the Dispatcher should claim next.
//
//  1. A job whose queuedAt+maxWaitSeconds has already elapsed is promoted
//     ahead of batching, to bound starvation (reason maxwait_exceeded).
//  2. Otherwise, if any pending job targets currentModel, the
//     highest-priority oldest one among those runs next with no switch.
//  3. Otherwise the overall highest-priority oldest pending job runs next,
//     and a switch is required.
//
// candidates must already be ordered priority DESC, queued_at ASC (the
// order jobstore.ListPendingCandidates returns). When batchingEnabled is
// false the policy degrades to that plain FIFO order regardless of model.
func PickNextBatched(candidates []jobstore.PendingCandidate, currentModel string, batchingEnabled bool, now time.Time) (chosen jobstore.PendingCandidate, shouldSwitch bool, reason string, found bool) {
	if len(candidates) == 0 {
		return jobstore.PendingCandidate{}, false, "", false
	}

	if !batchingEnabled {
		chosen = candidates[0]
		shouldSwitch = chosen.RequestedModel != currentModel
		if shouldSwitch {
			reason = SwitchReasonPriorityOverride
		}
		return chosen, shouldSwitch, reason, true
	}

	for _, c := range candidates {
		if hasMaxWaitElapsed(c, now) {
			return c, c.RequestedModel != currentModel, SwitchReasonMaxWaitExceeded, true
		}
	}

	if currentModel != "" {
		for _, c := range candidates {
			if c.RequestedModel == currentModel {
				return c, false, "", true
			}
		}
	}

	chosen = candidates[0]
	reason = SwitchReasonQueueEmptyForModel
	if currentModel == "" {
		reason = SwitchReasonNoCurrent
	}
	return chosen, true, reason, true
}

func hasMaxWaitElapsed(c jobstore.PendingCandidate, now time.Time) bool {
	if c.MaxWaitSeconds <= 0 {
		return false
	}
	return now.Sub(c.QueuedAt) >= time.Duration(c.MaxWaitSeconds)*time.Second
}
