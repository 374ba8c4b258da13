package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyfold/nbworker/pkg/queue"
)

// runJobs pulls and executes jobs until ctx is cancelled. Concurrency is
// capped by a slot semaphore acquired before pulling, so the worker never
// holds a claimed job it cannot start.
func (r *Runtime) runJobs(ctx context.Context, engine JobExecutor) {
	sem := make(chan struct{}, r.cfg.Worker.MaxConcurrentJobs)

	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		delivery, err := r.jobs.Next(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return
			}
			r.logger.Error().Err(err).Msg("Failed to pull job from queue")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		// A drain signal can land while the pull is in flight. A job claimed
		// but not yet begun goes back to the queue for another worker.
		if ctx.Err() != nil {
			r.requeue(delivery)
			<-sem
			return
		}

		r.inFlight.Add(1)
		r.trackProcessing(1)
		go func(d *queue.Delivery) {
			defer func() {
				r.trackProcessing(-1)
				r.inFlight.Done()
				<-sem
			}()
			r.processJob(engine, d)
		}(delivery)
	}
}

// requeue hands a claimed but unstarted delivery back to the queue.
func (r *Runtime) requeue(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.jobs.Requeue(ctx, d); err != nil {
		// The visibility claim expires on its own, so the job is delayed,
		// not lost.
		r.logger.Error().Err(err).Str("job_id", d.Job.ID).Msg("Failed to requeue job during drain")
		return
	}
	r.logger.Info().Str("job_id", d.Job.ID).Msg("Requeued unstarted job during drain")
}

// processJob runs one delivery to a terminal, reported result. Execution
// uses the runtime's drain-scoped context rather than the pull loop's, so
// cancelling intake does not abort work already in flight.
func (r *Runtime) processJob(engine JobExecutor, d *queue.Delivery) {
	logger := r.logger.With().Str("job_id", d.Job.ID).Int("attempt", d.Job.Attempt).Logger()

	// A job this worker already attempted came back, meaning the earlier
	// attempt died without settling.
	if prior, err := r.journal.LastAttempt(d.Job.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to read attempt history")
	} else if prior > 0 {
		logger.Warn().Int("previous_attempt", prior).Msg("Job was redelivered to this worker")
	}

	if err := r.journal.RecordAttempt(d.Job.ID, d.Job.Attempt, time.Now()); err != nil {
		logger.Warn().Err(err).Msg("Failed to journal attempt")
	}

	extCtx, stopExtending := context.WithCancel(r.execCtx)
	go r.extendClaim(extCtx, d, logger)

	result := engine.Execute(r.execCtx, d.Job)
	stopExtending()

	first, err := r.journal.MarkReported(d.Job.ID, d.Job.Attempt)
	if err != nil {
		// When the journal cannot answer, publishing a possible duplicate
		// beats losing the result.
		logger.Warn().Err(err).Msg("Failed to check report journal")
		first = true
	}

	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !first {
		logger.Info().Msg("Result already reported for this attempt, settling delivery")
		if err := r.jobs.Settle(reportCtx, d); err != nil {
			logger.Error().Err(err).Msg("Failed to settle deduplicated delivery")
		}
		return
	}

	if err := r.jobs.Complete(reportCtx, d, result); err != nil {
		logger.Error().Err(err).Msg("Failed to report result")
		return
	}
	if err := r.journal.RecordResult(result); err != nil {
		logger.Warn().Err(err).Msg("Failed to journal result")
	}
}

// extendClaim refreshes the delivery's visibility claim while its job runs.
func (r *Runtime) extendClaim(ctx context.Context, d *queue.Delivery, logger zerolog.Logger) {
	interval := r.cfg.Worker.VisibilityTimeout / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.jobs.Extend(ctx, d); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn().Err(err).Msg("Failed to extend job claim")
			}
		case <-ctx.Done():
			return
		}
	}
}

// trackProcessing keeps the Ready/Processing states in step with the
// number of in-flight jobs.
func (r *Runtime) trackProcessing(delta int) {
	r.stateMu.Lock()
	r.processing += delta
	state := r.state
	target := state
	if state == StateReady && r.processing > 0 {
		target = StateProcessing
	}
	if state == StateProcessing && r.processing == 0 {
		target = StateReady
	}
	r.stateMu.Unlock()

	if target != state {
		r.setState(target)
	}
}

// waitForJobs blocks until in-flight jobs finish, cancelling them when the
// grace period expires.
func (r *Runtime) waitForJobs(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(done)
	}()

	if grace <= 0 {
		<-done
		return
	}

	select {
	case <-done:
	case <-time.After(grace):
		r.logger.Warn().Dur("grace", grace).Msg("Drain grace period expired, cancelling in-flight jobs")
		r.cancelExec()
		<-done
	}
}
