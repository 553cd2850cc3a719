// Package frontier computes the history compaction horizon.
//
// Every replica proves, with each batch it sends, the committed baseline it
// still holds (the batch's From). A stale replica can only be answered with
// a partial sync if the history from its baseline up to the head is still
// retained. The horizon is therefore the lowest baseline among replicas that
// are still active: history below it can be pruned without forcing any
// active replica onto a full snapshot.
//
// Replicas that went quiet do not hold the horizon back. If they return they
// simply get a full sync.
package frontier

import "github.com/daviddao/treesync/pkg/model"

// ComputeHorizon returns the lowest baseline among active, capped at head.
// With no active replicas the whole log up to head may go.
func ComputeHorizon(active []model.ReplicaCursor, head int64) int64 {
	h := head
	for _, c := range active {
		if c.Baseline < h {
			h = c.Baseline
		}
	}
	if h < 0 {
		h = 0
	}
	return h
}

// Status is the result of a prune safety check for a specific cut point.
type Status struct {
	SafeToPrune bool                  `json:"safe_to_prune"`
	Horizon     int64                 `json:"horizon"`
	Head        int64                 `json:"head"`
	BlockedBy   []model.ReplicaCursor `json:"blocked_by,omitempty"`
}

// ComputeStatus checks whether history below before can be pruned given the
// active cursors. Every active replica whose baseline is below before blocks
// the cut.
func ComputeStatus(before int64, active []model.ReplicaCursor, head int64) Status {
	status := Status{
		SafeToPrune: true,
		Horizon:     ComputeHorizon(active, head),
		Head:        head,
	}
	if before > head {
		status.SafeToPrune = false
	}
	for _, c := range active {
		if c.Baseline < before {
			status.SafeToPrune = false
			status.BlockedBy = append(status.BlockedBy, c)
		}
	}
	return status
}
