package jobs

import (
	"context"
	"log"
	"time"

	"gasforge/internal/services"
)

// QueueTick drives one processor pass per interval and refreshes the
// queue depth gauges. RunOnce is single-flight internally, so an
// overlapping tick is a cheap no-op.
type QueueTick struct {
	processor *services.QueueProcessor
	queue     *services.QueueService
	sessions  *services.SessionCache
	metrics   *services.Metrics
	timeout   time.Duration
}

// NewQueueTick creates the queue tick job.
func NewQueueTick(processor *services.QueueProcessor, queue *services.QueueService,
	sessions *services.SessionCache, metrics *services.Metrics) *QueueTick {
	return &QueueTick{
		processor: processor,
		queue:     queue,
		sessions:  sessions,
		metrics:   metrics,
		timeout:   10 * time.Minute,
	}
}

// Run executes one tick.
func (t *QueueTick) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	result := t.processor.RunOnce(ctx)
	if result.Processed > 0 || result.Errors > 0 {
		log.Printf("🔄 [QUEUE] Tick done: processed=%d errors=%d remaining=%d",
			result.Processed, result.Errors, result.Remaining)
	}

	t.refreshGauges(ctx)
}

func (t *QueueTick) refreshGauges(ctx context.Context) {
	if t.metrics == nil {
		return
	}

	stats, err := t.queue.Stats(ctx)
	if err != nil {
		log.Printf("⚠️ [QUEUE] Failed to read queue stats: %v", err)
	} else {
		t.metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
		t.metrics.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	}

	if t.sessions != nil {
		t.metrics.SessionsCached.Set(float64(t.sessions.Size()))
	}
}
