package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gasforge/internal/models"
)

// fakeExecutor counts executions and can block or fail on demand.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    int
	failWith error
	block    chan struct{} // when set, Execute waits here
}

func (e *fakeExecutor) Execute(ctx context.Context, payload []byte) (*GenerationResult, error) {
	e.mu.Lock()
	e.calls++
	block := e.block
	failWith := e.failWith
	e.mu.Unlock()

	if block != nil {
		<-block
	}
	if failWith != nil {
		return nil, failWith
	}
	return &GenerationResult{Summary: "done", Code: "function main() {}", Tokens: 100}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(ctx context.Context, userID, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *fakeNotifier) Render(key string, vars map[string]string) string {
	msg := key
	for k, v := range vars {
		msg += " " + k + "=" + v
	}
	return msg
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

func (n *fakeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

// fakeResultStore records persisted generation results in memory.
type fakeResultStore struct {
	mu    sync.Mutex
	saved []*models.GeneratedCode
}

func (s *fakeResultStore) SaveResult(ctx context.Context, result *models.GeneratedCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, result)
	return nil
}

type fakeGate struct {
	allow    atomic.Bool
	recorded atomic.Int64
}

func (g *fakeGate) IsWithinBudget(ctx context.Context) bool { return g.allow.Load() }
func (g *fakeGate) RecordGeneration(ctx context.Context, tokens int64) {
	g.recorded.Add(tokens)
}

func newTestProcessor(t *testing.T, store *fakeJobStore, executor GenerationExecutor,
	notifier NotificationSender, gate UsageGate) (*QueueProcessor, *QueueService, *SessionCache) {
	t.Helper()
	queue := NewQueueService(store, 50, 0.1)
	cache := newTestCache(time.Minute, 100, nil)
	t.Cleanup(cache.Shutdown)
	proc := NewQueueProcessor(queue, cache, executor, nil, notifier, gate, nil, 5, 2)
	return proc, queue, cache
}

func TestQueueProcessor_ProcessesLeasedJobs(t *testing.T) {
	store := newFakeJobStore()
	executor := &fakeExecutor{}
	notifier := &fakeNotifier{}
	proc, queue, cache := newTestProcessor(t, store, executor, notifier, nil)

	job, err := queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result := proc.RunOnce(context.Background())
	if result.Processed != 1 || result.Errors != 0 {
		t.Fatalf("Expected 1 processed, got %+v", result)
	}

	got, _ := store.GetByID(context.Background(), job.ID)
	if got.Status != models.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}

	// The session carries the "result ready" flag
	session, ok := cache.Get(context.Background(), "user1")
	if !ok {
		t.Fatal("Expected session to exist after completion")
	}
	if !session.LastGenerationDone || session.LastJobID != job.ID {
		t.Errorf("Expected session flagged with job %s, got %+v", job.ID, session)
	}

	if notifier.count() != 1 {
		t.Errorf("Expected 1 completion notification, got %d", notifier.count())
	}
}

func TestQueueProcessor_PersistsResultAndRendersSummary(t *testing.T) {
	store := newFakeJobStore()
	executor := &fakeExecutor{}
	notifier := &fakeNotifier{}
	results := &fakeResultStore{}
	queue := NewQueueService(store, 50, 0.1)
	cache := newTestCache(time.Minute, 100, nil)
	t.Cleanup(cache.Shutdown)
	proc := NewQueueProcessor(queue, cache, executor, results, notifier, nil, nil, 5, 2)

	job, err := queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result := proc.RunOnce(context.Background())
	if result.Processed != 1 {
		t.Fatalf("Expected 1 processed, got %+v", result)
	}

	// The generated output is written to the result store, not dropped
	results.mu.Lock()
	saved := append([]*models.GeneratedCode(nil), results.saved...)
	results.mu.Unlock()
	if len(saved) != 1 {
		t.Fatalf("Expected 1 persisted result, got %d", len(saved))
	}
	record := saved[0]
	if record.JobID != job.ID || record.UserID != "user1" || record.SessionID != "sess_1" {
		t.Errorf("Result record mislinked: %+v", record)
	}
	if record.Summary != "done" || record.Code != "function main() {}" || record.Tokens != 100 {
		t.Errorf("Result record lost output: %+v", record)
	}
	if record.CreatedAt.IsZero() {
		t.Error("Result record missing CreatedAt")
	}

	// Completion message comes from the template with the real summary
	msg := notifier.last()
	if !strings.Contains(msg, "generated") || !strings.Contains(msg, "summary=done") {
		t.Errorf("Expected rendered completion message with summary, got %q", msg)
	}
}

func TestQueueProcessor_ConcurrencyCap(t *testing.T) {
	store := newFakeJobStore()
	executor := &fakeExecutor{}
	proc, queue, _ := newTestProcessor(t, store, executor, nil, nil)

	for i := 0; i < 5; i++ {
		if _, err := queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// Batch size 5, max concurrent 2: one pass executes 2, reports 3 remaining
	result := proc.RunOnce(context.Background())
	if result.Processed != 2 {
		t.Errorf("Expected 2 processed (concurrency cap), got %d", result.Processed)
	}
	if result.Remaining != 3 {
		t.Errorf("Expected 3 remaining, got %d", result.Remaining)
	}
}

func TestQueueProcessor_SingleFlight(t *testing.T) {
	store := newFakeJobStore()
	release := make(chan struct{})
	executor := &fakeExecutor{block: release}
	proc, queue, _ := newTestProcessor(t, store, executor, nil, nil)

	if _, err := queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan ProcessResult, 1)
	go func() {
		done <- proc.RunOnce(context.Background())
	}()

	// Wait until the first scan is inside Execute
	deadline := time.Now().Add(time.Second)
	for executor.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if executor.callCount() == 0 {
		t.Fatal("First scan never started executing")
	}

	// A second scan while the first is running is a no-op
	second := proc.RunOnce(context.Background())
	if second.Processed != 0 || second.Errors != 0 {
		t.Errorf("Overlapping scan should do nothing, got %+v", second)
	}

	close(release)
	first := <-done
	if first.Processed != 1 {
		t.Errorf("Expected first scan to process the job, got %+v", first)
	}
}

func TestQueueProcessor_DuplicateGuard(t *testing.T) {
	store := newFakeJobStore()
	release := make(chan struct{})
	executor := &fakeExecutor{block: release}
	proc, queue, _ := newTestProcessor(t, store, executor, nil, nil)

	job, err := queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	leased := queue.Lease(context.Background(), 1)
	if len(leased) != 1 {
		t.Fatal("Expected to lease the job")
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := proc.ProcessJob(context.Background(), &leased[0])
		firstDone <- err
	}()

	deadline := time.Now().Add(time.Second)
	for proc.InFlight() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if proc.InFlight() != 1 {
		t.Fatal("Expected job to be in flight")
	}

	// Same job id arriving again (overlapping batch pull) must not execute
	ok, err := proc.ProcessJob(context.Background(), &leased[0])
	if ok || !errors.Is(err, ErrDuplicateExecution) {
		t.Errorf("Expected duplicate rejection, got ok=%v err=%v", ok, err)
	}
	if executor.callCount() != 1 {
		t.Errorf("Duplicate must not reach the executor, calls=%d", executor.callCount())
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Errorf("Original execution should succeed: %v", err)
	}

	// Guard entry is removed after completion
	if proc.InFlight() != 0 {
		t.Errorf("Expected guard to be empty, got %d in flight", proc.InFlight())
	}
	_ = job
}

func TestQueueProcessor_FailureSchedulesRetry(t *testing.T) {
	store := newFakeJobStore()
	executor := &fakeExecutor{failWith: errors.New("upstream 500")}
	notifier := &fakeNotifier{}
	proc, queue, _ := newTestProcessor(t, store, executor, notifier, nil)

	job, _ := queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3)

	result := proc.RunOnce(context.Background())
	if result.Processed != 0 || result.Errors != 1 {
		t.Fatalf("Expected 1 error, got %+v", result)
	}

	got, _ := store.GetByID(context.Background(), job.ID)
	if got.Status != models.JobStatusPending || got.RetryCount != 1 {
		t.Errorf("Expected job back to pending with retryCount=1, got %s/%d", got.Status, got.RetryCount)
	}

	// Retries are invisible to the user
	if notifier.count() != 0 {
		t.Errorf("Expected no notification on retryable failure, got %d", notifier.count())
	}
}

func TestQueueProcessor_TerminalFailureNotifiesOnce(t *testing.T) {
	store := newFakeJobStore()
	executor := &fakeExecutor{failWith: errors.New("upstream 500")}
	notifier := &fakeNotifier{}
	proc, queue, _ := newTestProcessor(t, store, executor, notifier, nil)

	job, _ := queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3)

	// Drive through all retries to the terminal failure
	for i := 0; i < 3; i++ {
		proc.RunOnce(context.Background())
	}

	got, _ := store.GetByID(context.Background(), job.ID)
	if got.Status != models.JobStatusFailed {
		t.Fatalf("Expected terminal failed, got %s", got.Status)
	}
	if notifier.count() != 1 {
		t.Errorf("Expected exactly one failure notification, got %d", notifier.count())
	}
}

func TestQueueProcessor_BudgetGateSkipsScan(t *testing.T) {
	store := newFakeJobStore()
	executor := &fakeExecutor{}
	gate := &fakeGate{}
	gate.allow.Store(false)
	proc, queue, _ := newTestProcessor(t, store, executor, nil, gate)

	queue.Enqueue(context.Background(), "user1", "sess_1", payload(t), 0, 3)

	result := proc.RunOnce(context.Background())
	if result.Processed != 0 {
		t.Errorf("Expected gate to block the scan, got %+v", result)
	}
	if executor.callCount() != 0 {
		t.Error("Executor must not run while over budget")
	}

	// Budget restored: the job flows
	gate.allow.Store(true)
	result = proc.RunOnce(context.Background())
	if result.Processed != 1 {
		t.Errorf("Expected job processed after budget restored, got %+v", result)
	}
	if gate.recorded.Load() != 100 {
		t.Errorf("Expected 100 tokens recorded, got %d", gate.recorded.Load())
	}
}
