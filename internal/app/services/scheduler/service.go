// Package scheduler implements the job queue: admission, periodic dispatch
// to matching nodes, state-machine transitions driven by node frames,
// cancellation, per-job timeout enforcement and terminal-job retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/r3e-network/fleet-orchestrator/internal/app/core/service"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/capability"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/job"
	"github.com/r3e-network/fleet-orchestrator/internal/app/domain/node"
	paymentsvc "github.com/r3e-network/fleet-orchestrator/internal/app/services/payment"
	"github.com/r3e-network/fleet-orchestrator/internal/app/services/registry"
	"github.com/r3e-network/fleet-orchestrator/internal/app/storage"
	"github.com/r3e-network/fleet-orchestrator/internal/app/system"
	"github.com/r3e-network/fleet-orchestrator/pkg/logger"
)

var (
	// ErrQueueFull is returned by Submit when the pending queue is at
	// capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrNotFound mirrors storage.ErrNotFound.
	ErrNotFound = storage.ErrNotFound
	// ErrAlreadyTerminal is returned by Cancel on a job already in a
	// terminal state; cancellation is idempotent and never alters state
	// in this case.
	ErrAlreadyTerminal = errors.New("job is already terminal")
)

// DefaultQueueCap bounds the pending queue; beyond it Submit returns
// ErrQueueFull. The spec's reference behavior is unbounded, but an
// implementation is expected to enforce a cap (§5 backpressure).
const DefaultQueueCap = 10000

// Dispatcher abstracts sending frames to an assigned node so the scheduler
// does not depend on the websocket transport package directly.
type Dispatcher interface {
	SendJobAssignment(nodeID string, j job.Job) error
	SendCancelJob(nodeID, jobID string) error
}

var _ system.Service = (*Service)(nil)

// Service is the lifecycle-managed job queue and scheduler.
type Service struct {
	jobs     storage.JobStore
	payments *paymentsvc.Service
	registry *registry.Service
	dispatch Dispatcher
	log      *logger.Logger
	tracer   core.Tracer

	mu          sync.Mutex
	queueCap    int
	pending     []string // job ids, FIFO
	dispatchInt time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	cronJob *cron.Cron
}

// New constructs the scheduler over the given store, payment engine, node
// registry and node dispatcher.
func New(jobs storage.JobStore, payments *paymentsvc.Service, reg *registry.Service, dispatch Dispatcher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Service{
		jobs:        jobs,
		payments:    payments,
		registry:    reg,
		dispatch:    dispatch,
		log:         log,
		tracer:      core.NoopTracer,
		queueCap:    DefaultQueueCap,
		dispatchInt: time.Second,
	}
}

// WithTracer configures a tracer for dispatch spans.
func (s *Service) WithTracer(tracer core.Tracer) {
	if tracer == nil {
		tracer = core.NoopTracer
	}
	s.tracer = tracer
}

// SetDispatcher binds the outbound frame dispatcher after construction. The
// node channel hub depends on the scheduler at construction time, so the two
// are wired together by the application builder once both exist.
func (s *Service) SetDispatcher(dispatch Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = dispatch
}

// Name identifies the service to the lifecycle manager.
func (s *Service) Name() string { return "job-scheduler" }

// Descriptor advertises the service's architectural placement.
func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "job-scheduler",
		Domain:       "scheduler",
		Layer:        core.LayerEngine,
		Capabilities: []string{"admit", "dispatch", "retry", "cancel", "gc"},
	}
}

// Start begins the dispatch ticker and the hourly GC sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if err := s.restorePendingQueue(runCtx); err != nil {
		return fmt.Errorf("restore pending queue: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.dispatchInt)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	// Cron's minute-granularity schedule fits the hourly GC sweep; the
	// sub-second dispatch tick above stays on a plain ticker since cron
	// cannot express sub-minute cadences.
	s.cronJob = cron.New()
	if _, err := s.cronJob.AddFunc("@hourly", func() { s.gc(runCtx) }); err != nil {
		return fmt.Errorf("schedule gc sweep: %w", err)
	}
	s.cronJob.Start()

	s.log.Info("job scheduler started")
	return nil
}

// Stop halts the dispatch ticker and GC sweep.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if s.cronJob != nil {
		cronStopCtx := s.cronJob.Stop()
		<-cronStopCtx.Done()
	}

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("job scheduler stopped")
	return nil
}

func (s *Service) restorePendingQueue(ctx context.Context) error {
	jobs, err := s.jobs.ListPending(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.pending = append(s.pending, j.ID)
	}
	return nil
}

// Submit admits a job: optionally holds funds, allocates an id and appends
// it to the FIFO pending queue (at dispatch higher priority goes first and
// FIFO order breaks ties, see tick). Requirements are stored as given;
// Submit does not validate them.
func (s *Service) Submit(ctx context.Context, clientID string, req capability.Requirements, payload map[string]any, accountID, workspaceID string, timeoutSeconds, priority int) (job.Job, error) {
	s.mu.Lock()
	if len(s.pending) >= s.queueCap {
		s.mu.Unlock()
		return job.Job{}, ErrQueueFull
	}
	s.mu.Unlock()

	if timeoutSeconds <= 0 {
		timeoutSeconds = job.DefaultTimeoutSeconds
	}

	var holdID string
	if accountID != "" {
		hold, err := s.payments.Hold(ctx, accountID, req.MaxCostCents, "")
		if err != nil {
			return job.Job{}, err
		}
		holdID = hold.ID
	}

	j := job.Job{
		ClientID:       clientID,
		WorkspaceID:    workspaceID,
		Requirements:   req,
		Payload:        payload,
		Status:         job.StatusPending,
		CreatedAt:      time.Now().UTC(),
		MaxRetries:     job.DefaultMaxRetries,
		TimeoutSeconds: timeoutSeconds,
		HoldID:         holdID,
		AccountID:      accountID,
		Priority:       priority,
	}

	created, err := s.jobs.CreateJob(ctx, j)
	if err != nil {
		if holdID != "" {
			if _, refundErr := s.payments.Refund(ctx, holdID); refundErr != nil {
				s.log.WithError(refundErr).WithField("hold_id", holdID).Error("failed to refund hold after failed admission")
			}
		}
		return job.Job{}, err
	}

	s.mu.Lock()
	s.pending = append(s.pending, created.ID)
	s.mu.Unlock()

	s.log.WithField("job_id", created.ID).WithField("client_id", clientID).WithField("hold_id", holdID).Info("job admitted")
	return created, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (job.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

// List returns jobs for a client, or all jobs if clientID is empty.
func (s *Service) List(ctx context.Context, clientID string) ([]job.Job, error) {
	return s.jobs.ListJobs(ctx, clientID)
}

func (s *Service) tick(ctx context.Context) {
	s.enforceTimeouts(ctx)

	s.mu.Lock()
	snapshot := append([]string(nil), s.pending...)
	s.mu.Unlock()

	snapshot = s.orderByPriority(ctx, snapshot)

	var stillPending []string
	for _, jobID := range snapshot {
		dispatched, err := s.tryDispatch(ctx, jobID)
		if err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Warn("dispatch attempt failed")
		}
		if !dispatched {
			stillPending = append(stillPending, jobID)
		}
	}

	s.mu.Lock()
	s.pending = mergeUndispatched(s.pending, snapshot, stillPending)
	s.mu.Unlock()
}

// orderByPriority sorts a dispatch snapshot by descending job priority,
// preserving the FIFO admission order as the tiebreak (sort.SliceStable over
// ids already in admission order). A job that fails to load falls back to
// priority zero rather than aborting the tick; tryDispatch re-fetches it and
// handles the lookup failure itself.
func (s *Service) orderByPriority(ctx context.Context, ids []string) []string {
	priorities := make(map[string]int, len(ids))
	for _, id := range ids {
		j, err := s.jobs.GetJob(ctx, id)
		if err != nil {
			continue
		}
		priorities[id] = j.Priority
	}
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		return priorities[out[i]] > priorities[out[j]]
	})
	return out
}

// mergeUndispatched keeps jobs admitted after the snapshot was taken while
// dropping any snapshot entries that were dispatched.
func mergeUndispatched(current, snapshot, stillPending []string) []string {
	stillSet := make(map[string]struct{}, len(stillPending))
	for _, id := range stillPending {
		stillSet[id] = struct{}{}
	}
	snapshotSet := make(map[string]struct{}, len(snapshot))
	for _, id := range snapshot {
		snapshotSet[id] = struct{}{}
	}

	out := append([]string(nil), stillPending...)
	for _, id := range current {
		if _, wasSnapshotted := snapshotSet[id]; wasSnapshotted {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (s *Service) tryDispatch(ctx context.Context, jobID string) (bool, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if j.Status != job.StatusPending {
		return true, nil
	}

	candidate, found, err := s.registry.FindNode(ctx, j.Requirements, j.WorkspaceID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	spanCtx, finish := s.tracer.StartSpan(ctx, "scheduler.assign", map[string]string{"job_id": jobID, "node_id": candidate.ID})
	err = s.assign(spanCtx, &j, candidate)
	finish(err)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) assign(ctx context.Context, j *job.Job, candidate node.Node) error {
	assigned, err := s.registry.Assign(ctx, candidate.ID)
	if err != nil {
		// The node went unavailable between matching and assignment;
		// leave the job pending for the next tick.
		return nil
	}

	j.Status = job.StatusAssigned
	j.AssignedNodeID = assigned.ID
	if _, err := s.jobs.UpdateJob(ctx, *j); err != nil {
		_ = s.registry.Release(ctx, assigned.ID)
		return err
	}

	if s.dispatch != nil {
		if err := s.dispatch.SendJobAssignment(assigned.ID, *j); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).WithField("node_id", assigned.ID).Warn("job assignment frame send failed")
		}
	}
	s.log.WithField("job_id", j.ID).WithField("node_id", assigned.ID).Info("job assigned")
	return nil
}

// HandleAccepted records an idempotent node acknowledgement of assignment.
func (s *Service) HandleAccepted(ctx context.Context, jobID string) error {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	if j.Status == job.StatusAssigned {
		return nil
	}
	j.Status = job.StatusAssigned
	_, err = s.jobs.UpdateJob(ctx, j)
	return err
}

// HandleRunning marks a job running, stamping started_at once.
func (s *Service) HandleRunning(ctx context.Context, jobID string) error {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = job.StatusRunning
	if j.StartedAt.IsZero() {
		j.StartedAt = time.Now().UTC()
	}
	_, err = s.jobs.UpdateJob(ctx, j)
	return err
}

// Complete finalizes a job reported successful by its node: writes the
// result, settles the hold (capped at the hold amount), and releases the
// node slot. A late completion for an already-terminal (e.g. cancelled) job
// is discarded.
func (s *Service) Complete(ctx context.Context, jobID string, result job.Result, nodeAccountID string) error {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		s.log.WithField("job_id", jobID).Info("discarding late completion for terminal job")
		return nil
	}

	j.Result = &result
	j.Status = job.StatusCompleted
	j.CompletedAt = time.Now().UTC()

	if j.HoldID != "" && nodeAccountID != "" {
		if _, err := s.payments.Settle(ctx, j.HoldID, nodeAccountID, result.ActualCostCents); err != nil {
			return fmt.Errorf("settle hold: %w", err)
		}
	}

	if _, err := s.jobs.UpdateJob(ctx, j); err != nil {
		return err
	}
	if j.AssignedNodeID != "" {
		_ = s.registry.Release(ctx, j.AssignedNodeID)
	}
	s.log.WithField("job_id", jobID).WithField("actual_cost_cents", result.ActualCostCents).Info("job completed")
	return nil
}

// Fail handles a node-reported failure: retries if the budget allows,
// otherwise marks the job terminally failed and refunds its hold.
func (s *Service) Fail(ctx context.Context, jobID, errMsg string) error {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	if j.AssignedNodeID != "" {
		_ = s.registry.Release(ctx, j.AssignedNodeID)
	}

	j.Retries++
	if j.Retries < j.MaxRetries {
		j.AssignedNodeID = ""
		j.Status = job.StatusPending
		j.LastError = errMsg
		if _, err := s.jobs.UpdateJob(ctx, j); err != nil {
			return err
		}
		s.mu.Lock()
		s.pending = append(s.pending, j.ID)
		s.mu.Unlock()
		s.log.WithField("job_id", jobID).WithField("retries", j.Retries).Info("job failed, requeued for retry")
		return nil
	}

	j.Status = job.StatusFailed
	j.CompletedAt = time.Now().UTC()
	j.Result = &job.Result{Success: false, Error: errMsg}
	if _, err := s.jobs.UpdateJob(ctx, j); err != nil {
		return err
	}
	if j.HoldID != "" {
		if _, err := s.payments.Refund(ctx, j.HoldID); err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Error("failed to refund hold after terminal failure")
		}
	}
	s.log.WithField("job_id", jobID).Info("job failed terminally, hold refunded")
	return nil
}

// Cancel cancels a pending or in-flight job. It is idempotent: cancelling a
// terminal job returns ErrAlreadyTerminal without altering state. A
// best-effort cancel frame is sent to the assigned node if any.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return ErrAlreadyTerminal
	}

	nodeID := j.AssignedNodeID
	j.Status = job.StatusCancelled
	j.CompletedAt = time.Now().UTC()
	if _, err := s.jobs.UpdateJob(ctx, j); err != nil {
		return err
	}

	s.mu.Lock()
	s.removePendingLocked(jobID)
	s.mu.Unlock()

	if nodeID != "" {
		_ = s.registry.Release(ctx, nodeID)
		if s.dispatch != nil {
			if err := s.dispatch.SendCancelJob(nodeID, jobID); err != nil {
				s.log.WithError(err).WithField("job_id", jobID).Warn("cancel frame send failed")
			}
		}
	}

	if j.HoldID != "" {
		if _, err := s.payments.Refund(ctx, j.HoldID); err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Error("failed to refund hold on cancellation")
		}
	}
	s.log.WithField("job_id", jobID).Info("job cancelled")
	return nil
}

func (s *Service) removePendingLocked(jobID string) {
	out := s.pending[:0]
	for _, id := range s.pending {
		if id != jobID {
			out = append(out, id)
		}
	}
	s.pending = out
}

// HandleNodeEvicted requeues a node's in-flight jobs on eviction, retrying
// them if retry budget remains, else marking them terminally failed.
func (s *Service) HandleNodeEvicted(ctx context.Context, nodeID string) {
	jobs, err := s.jobs.ListByNode(ctx, nodeID)
	if err != nil {
		s.log.WithError(err).WithField("node_id", nodeID).Warn("failed to list jobs for evicted node")
		return
	}
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if err := s.Fail(ctx, j.ID, "assigned node evicted"); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Warn("failed to requeue job after node eviction")
		}
	}
}

func (s *Service) enforceTimeouts(ctx context.Context) {
	now := time.Now().UTC()
	active, err := s.jobs.ListJobs(ctx, "")
	if err != nil {
		s.log.WithError(err).Warn("timeout sweep failed to list jobs")
		return
	}
	for _, j := range active {
		if j.Status.Terminal() {
			continue
		}
		if now.Before(j.Deadline()) {
			continue
		}
		if j.AssignedNodeID != "" {
			_ = s.registry.Release(ctx, j.AssignedNodeID)
		}
		j.Status = job.StatusTimeout
		j.CompletedAt = now
		j.Result = &job.Result{Success: false, Error: "timeout"}
		if _, err := s.jobs.UpdateJob(ctx, j); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Warn("failed to mark job timed out")
			continue
		}
		s.mu.Lock()
		s.removePendingLocked(j.ID)
		s.mu.Unlock()
		if j.HoldID != "" {
			if _, err := s.payments.Refund(ctx, j.HoldID); err != nil {
				s.log.WithError(err).WithField("job_id", j.ID).Error("failed to refund hold on timeout")
			}
		}
		s.log.WithField("job_id", j.ID).Info("job timed out, hold refunded")
	}
}

func (s *Service) gc(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	stale, err := s.jobs.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("gc sweep failed to list terminal jobs")
		return
	}
	for _, j := range stale {
		if err := s.jobs.DeleteJob(ctx, j.ID); err != nil {
			s.log.WithError(err).WithField("job_id", j.ID).Warn("gc sweep failed to delete job")
		}
	}
	if len(stale) > 0 {
		s.log.WithField("count", len(stale)).Info("gc sweep removed terminal jobs")
	}
}
