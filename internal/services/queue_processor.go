package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gasforge/internal/models"
)

// ErrDuplicateExecution indicates a job id was already being executed by this
// process. Expected under overlapping batch pulls; informational, not a fault.
var ErrDuplicateExecution = errors.New("job already being processed")

// GenerationResult is the output of a completed generation call
type GenerationResult struct {
	Summary string `json:"summary"`
	Code    string `json:"code"`
	Tokens  int64  `json:"tokens"`
}

// GenerationExecutor runs the actual code generation. Treated as slow,
// rate-limited, and occasionally failing.
type GenerationExecutor interface {
	Execute(ctx context.Context, payload []byte) (*GenerationResult, error)
}

// NotificationSender pushes a message to the user. Used only for
// failure/completion side effects; failures are logged, never propagated.
// Render resolves a template key to the final message text so YAML copy
// overrides apply everywhere a notification is produced.
type NotificationSender interface {
	Notify(ctx context.Context, userID, message string) error
	Render(key string, vars map[string]string) string
}

// ResultStore persists the output of completed generation jobs. Writes are
// best-effort from the processor's point of view: a store failure is logged
// and the job still completes.
type ResultStore interface {
	SaveResult(ctx context.Context, result *models.GeneratedCode) error
}

// UsageGate is the external usage/budget check consulted once per RunOnce
type UsageGate interface {
	IsWithinBudget(ctx context.Context) bool
	RecordGeneration(ctx context.Context, tokens int64)
}

// ProcessResult summarizes one RunOnce scan cycle
type ProcessResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
	Remaining int `json:"remaining"`
}

// QueueProcessor pulls leased jobs and drives each to completion or failure.
// RunOnce is single-flight per process; the in-process job guard prevents the
// same job id from being executed twice concurrently when batch pulls overlap.
// The guard is not a cross-process guarantee; that comes from the job store's
// atomic lease.
type QueueProcessor struct {
	queue    *QueueService
	sessions *SessionCache
	executor GenerationExecutor
	results  ResultStore
	notifier NotificationSender
	gate     UsageGate
	metrics  *Metrics

	batchSize     int
	maxConcurrent int

	running atomic.Bool

	guardMu sync.Mutex
	guard   map[string]struct{} // job ids currently executing in this process
}

// NewQueueProcessor wires the processor to its collaborators. results,
// notifier, gate and metrics may be nil.
func NewQueueProcessor(queue *QueueService, sessions *SessionCache, executor GenerationExecutor,
	results ResultStore, notifier NotificationSender, gate UsageGate, metrics *Metrics,
	batchSize, maxConcurrent int) *QueueProcessor {
	if batchSize <= 0 {
		batchSize = 5
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &QueueProcessor{
		queue:         queue,
		sessions:      sessions,
		executor:      executor,
		results:       results,
		notifier:      notifier,
		gate:          gate,
		metrics:       metrics,
		batchSize:     batchSize,
		maxConcurrent: maxConcurrent,
		guard:         make(map[string]struct{}),
	}
}

// RunOnce performs one scan cycle: budget gate, lease a batch, execute a
// capped subset concurrently. A concurrent RunOnce in the same process
// returns immediately with zero counts.
func (p *QueueProcessor) RunOnce(ctx context.Context) ProcessResult {
	if !p.running.CompareAndSwap(false, true) {
		log.Println("⏭️  [PROCESSOR] Scan already in progress, skipping")
		return ProcessResult{}
	}
	defer p.running.Store(false)

	if p.gate != nil && !p.gate.IsWithinBudget(ctx) {
		log.Println("⚠️  [PROCESSOR] Generation budget exhausted, skipping scan")
		return ProcessResult{}
	}

	jobs := p.queue.Lease(ctx, p.batchSize)
	if len(jobs) == 0 {
		return ProcessResult{}
	}

	// The concurrency cap is independent of batch size: each execution hits
	// the metered LLM API, and this is the admission-control knob for it.
	concurrent := len(jobs)
	if concurrent > p.maxConcurrent {
		concurrent = p.maxConcurrent
	}
	toProcess := jobs[:concurrent]

	log.Printf("▶️  [PROCESSOR] Processing %d of %d leased jobs", len(toProcess), len(jobs))

	var processed, errs int32
	var wg sync.WaitGroup
	for i := range toProcess {
		wg.Add(1)
		go func(job models.Job) {
			defer wg.Done()
			if ok, err := p.ProcessJob(ctx, &job); ok {
				atomic.AddInt32(&processed, 1)
			} else {
				atomic.AddInt32(&errs, 1)
				if err != nil && !errors.Is(err, ErrDuplicateExecution) {
					log.Printf("❌ [PROCESSOR] Job %s failed: %v", job.ID, err)
				}
			}
		}(toProcess[i])
	}
	wg.Wait()

	result := ProcessResult{
		Processed: int(processed),
		Errors:    int(errs),
		Remaining: len(jobs) - len(toProcess),
	}
	log.Printf("✅ [PROCESSOR] Scan complete (processed: %d, errors: %d, remaining: %d)",
		result.Processed, result.Errors, result.Remaining)
	return result
}

// ProcessJob executes a single leased job. If the id is already in the
// in-process guard the call returns a duplicate indicator without
// re-executing; otherwise the id is guarded for the duration of the call.
func (p *QueueProcessor) ProcessJob(ctx context.Context, job *models.Job) (bool, error) {
	if !p.guardAdd(job.ID) {
		log.Printf("⚠️  [PROCESSOR] Job %s already being processed", job.ID)
		if p.metrics != nil {
			p.metrics.JobsFailed.WithLabelValues("duplicate").Inc()
		}
		return false, ErrDuplicateExecution
	}
	defer p.guardRemove(job.ID)

	start := time.Now()

	result, err := p.executor.Execute(ctx, job.Payload)
	if err != nil {
		p.handleFailure(ctx, job, err)
		return false, err
	}

	if p.gate != nil {
		p.gate.RecordGeneration(ctx, result.Tokens)
	}

	// Persist the produced code before the status flips to completed, so a
	// completed job always has a readable result. A store failure is logged
	// and does not fail the job; the user still gets the summary pushed.
	if p.results != nil {
		record := &models.GeneratedCode{
			JobID:     job.ID,
			UserID:    job.UserID,
			SessionID: job.SessionID,
			Summary:   result.Summary,
			Code:      result.Code,
			Tokens:    result.Tokens,
			CreatedAt: time.Now().UTC(),
		}
		if err := p.results.SaveResult(ctx, record); err != nil {
			log.Printf("⚠️  [PROCESSOR] Failed to persist result for job %s: %v", job.ID, err)
		}
	}

	p.queue.Complete(ctx, job.ID)
	if p.metrics != nil {
		p.metrics.JobsProcessed.Inc()
		p.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}

	// Flag the result on the session so the user's next inbound message can
	// branch on "a result is ready". This races with that next message, so it
	// goes through the lock manager like every other session mutation.
	if err := p.sessions.UpdateUnderLock(ctx, job.UserID, "generation-complete", func(s *models.Session) error {
		s.LastGenerationDone = true
		s.LastJobID = job.ID
		return nil
	}); err != nil {
		log.Printf("⚠️  [PROCESSOR] Failed to flag session for user %s: %v", job.UserID, err)
	}

	p.notify(ctx, job.UserID, "generated", map[string]string{"summary": result.Summary})

	log.Printf("✅ [PROCESSOR] Job %s completed in %v", job.ID, time.Since(start))
	return true, nil
}

func (p *QueueProcessor) handleFailure(ctx context.Context, job *models.Job, execErr error) {
	terminal := p.queue.Fail(ctx, job.ID, execErr.Error(), true)
	if p.metrics != nil {
		if terminal {
			p.metrics.JobsFailed.WithLabelValues("terminal").Inc()
		} else {
			p.metrics.JobsFailed.WithLabelValues("retry").Inc()
		}
	}

	// A single generic notification on terminal failure only; retries stay
	// invisible to the user.
	if terminal {
		p.notify(ctx, job.UserID, "failed", nil)
	}
}

func (p *QueueProcessor) notify(ctx context.Context, userID, templateKey string, vars map[string]string) {
	if p.notifier == nil {
		return
	}
	message := p.notifier.Render(templateKey, vars)
	if err := p.notifier.Notify(ctx, userID, message); err != nil {
		log.Printf("⚠️  [PROCESSOR] Failed to notify user %s: %v", userID, err)
	}
}

func (p *QueueProcessor) guardAdd(jobID string) bool {
	p.guardMu.Lock()
	defer p.guardMu.Unlock()
	if _, exists := p.guard[jobID]; exists {
		return false
	}
	p.guard[jobID] = struct{}{}
	return true
}

func (p *QueueProcessor) guardRemove(jobID string) {
	p.guardMu.Lock()
	defer p.guardMu.Unlock()
	delete(p.guard, jobID)
}

// InFlight returns the number of jobs currently executing in this process
func (p *QueueProcessor) InFlight() int {
	p.guardMu.Lock()
	defer p.guardMu.Unlock()
	return len(p.guard)
}
