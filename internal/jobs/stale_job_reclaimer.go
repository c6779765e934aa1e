package jobs

import (
	"context"
	"log"
	"time"

	"gasforge/internal/services"
)

// StaleJobReclaimer returns jobs abandoned mid-processing (crashed
// worker, lost lease) to the pending queue so they get picked up again.
type StaleJobReclaimer struct {
	queue      *services.QueueService
	staleAfter time.Duration
}

// NewStaleJobReclaimer creates the reclaimer job.
func NewStaleJobReclaimer(queue *services.QueueService, staleAfter time.Duration) *StaleJobReclaimer {
	return &StaleJobReclaimer{
		queue:      queue,
		staleAfter: staleAfter,
	}
}

// Run requeues all jobs stuck in processing longer than staleAfter.
func (r *StaleJobReclaimer) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if reclaimed := r.queue.RequeueStale(ctx, r.staleAfter); reclaimed > 0 {
		log.Printf("♻️ [RECLAIM] Sweep requeued %d jobs (processing > %v)", reclaimed, r.staleAfter)
	}
}
