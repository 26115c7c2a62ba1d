// Package drain implements the timed, single-flight loop that retires queue
// entries one at a time.
package drain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/metrics"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/queue"
)

// idleBackoff bounds how hot the loop spins while the queue is empty and the
// configured interval is zero.
const idleBackoff = 250 * time.Millisecond

// Config controls Loop pacing and event publication.
type Config struct {
	// Interval is the minimum delay between archive attempts. Zero means
	// continuous draining: the next step starts as soon as the previous one
	// settles.
	Interval time.Duration
	// ArchiveTimeout bounds a single archive call. Zero disables the bound,
	// in which case a hung call stalls the loop.
	ArchiveTimeout time.Duration
	// Topic, when non-empty and a publisher is configured, receives one
	// outcome event per retired entry.
	Topic string
}

// Loop pops one entry per tick and routes the outcome to the recorder. A
// single goroutine owns the whole tick body, which is what makes the
// at-most-one-archive-in-flight guarantee structural rather than lock-based.
type Loop struct {
	queue     *queue.Manager
	archiver  archive.Archiver
	recorder  archive.Recorder
	publisher archive.Publisher
	clock     archive.Clock
	limiter   *rate.Limiter
	cfg       Config
	logger    *zap.Logger

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New constructs a Loop. publisher may be nil.
func New(
	q *queue.Manager,
	archiver archive.Archiver,
	recorder archive.Recorder,
	publisher archive.Publisher,
	clock archive.Clock,
	cfg Config,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &Loop{
		queue:     q,
		archiver:  archiver,
		recorder:  recorder,
		publisher: publisher,
		clock:     clock,
		limiter:   rate.NewLimiter(limit, 1),
		cfg:       cfg,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start performs the one-time recorder setup (create the archive log, rotate
// the prior run's output and failed logs) and begins ticking. It is safe to
// call more than once; only the first call does anything.
func (l *Loop) Start(ctx context.Context) error {
	var err error
	l.startOnce.Do(func() {
		if err = l.recorder.Setup(ctx); err != nil {
			err = fmt.Errorf("recorder setup: %w", err)
			close(l.done)
			return
		}
		var runCtx context.Context
		runCtx, l.cancel = context.WithCancel(ctx)
		go l.run(runCtx)
	})
	return err
}

// Stop halts further ticks and blocks until the in-flight step, if any, has
// settled. The in-flight archive call is allowed to finish; there is no
// cancellation of an individual archive.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		if !l.processStep(ctx) {
			idle := l.cfg.Interval
			if idle <= 0 {
				idle = idleBackoff
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
		}
	}
}

// processStep retires at most one entry and reports whether it found one.
// The body is a failure boundary: no outcome, error or panic may escape and
// kill the scheduler.
func (l *Loop) processStep(ctx context.Context) bool {
	entry, ok := l.queue.Pop()
	if !ok {
		return false
	}
	metrics.SetQueueDepth(l.queue.Len())

	// The entry is captured here so the recovery path below has its name,
	// id and key in scope.
	defer func() {
		if r := recover(); r != nil {
			l.fail(entry, fmt.Sprintf("archive panicked: %v", r))
		}
	}()

	// The archive call deliberately does not inherit the loop context:
	// stopping the loop lets the in-flight call finish rather than tearing
	// its recorder writes. The per-call timeout is the only bound.
	callCtx := context.Background()
	if l.cfg.ArchiveTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, l.cfg.ArchiveTimeout)
		defer cancel()
	}

	started := time.Now()
	status, err := l.archiver.Archive(callCtx, entry)
	metrics.ObserveArchiveDuration(time.Since(started))
	switch {
	case err != nil:
		l.fail(entry, err.Error())
	case !status.Success:
		l.fail(entry, status.Msg)
	default:
		l.succeed(entry)
	}
	return true
}

func (l *Loop) succeed(entry archive.QueueEntry) {
	rec := archive.SuccessRecord{
		Name:      entry.Name,
		ID:        entry.ID,
		Key:       entry.Key,
		IsSubItem: entry.IsSubItem,
		ParentID:  entry.ParentID,
	}
	if l.clock != nil {
		rec.ArchivedAt = l.clock.Now()
	}
	if err := l.recorder.RecordSuccess(context.Background(), rec); err != nil {
		l.logger.Error("record success",
			zap.String("name", entry.Name),
			zap.String("id", entry.ID),
			zap.Error(err),
		)
	}
	metrics.ObserveArchive("success")
	metrics.SetQueueDepth(l.queue.Len())
	l.publish(entry, archive.Status{Success: true})
	l.logger.Info("area archived",
		zap.String("name", entry.Name),
		zap.String("id", entry.ID),
		zap.Bool("sub_item", entry.IsSubItem),
	)
}

func (l *Loop) fail(entry archive.QueueEntry, reason string) {
	l.queue.MarkFailed(entry.Name)
	rec := archive.FailureRecord{
		Name:   entry.Name,
		ID:     entry.ID,
		Key:    entry.Key,
		Reason: reason,
	}
	if l.clock != nil {
		rec.FailedAt = l.clock.Now()
	}
	if err := l.recorder.RecordFailure(context.Background(), rec); err != nil {
		l.logger.Error("record failure",
			zap.String("name", entry.Name),
			zap.String("id", entry.ID),
			zap.Error(err),
		)
	}
	metrics.ObserveArchive("failure")
	metrics.SetQueueDepth(l.queue.Len())
	l.publish(entry, archive.Status{Success: false, Msg: reason})
	l.logger.Warn("area archive failed",
		zap.String("name", entry.Name),
		zap.String("id", entry.ID),
		zap.String("reason", reason),
	)
}

func (l *Loop) publish(entry archive.QueueEntry, status archive.Status) {
	if l.publisher == nil || l.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"name":     entry.Name,
		"id":       entry.ID,
		"sub_item": entry.IsSubItem,
		"success":  status.Success,
		"msg":      status.Msg,
	}
	if l.clock != nil {
		payload["timestamp"] = l.clock.Now().Format(time.RFC3339)
	}
	if _, err := l.publisher.Publish(context.Background(), l.cfg.Topic, payload); err != nil {
		l.logger.Warn("publish outcome event",
			zap.String("id", entry.ID),
			zap.Error(err),
		)
	}
}
