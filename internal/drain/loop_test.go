package drain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeCloutPanda/anyland-archive-redux/internal/archive"
	memorypub "github.com/LeCloutPanda/anyland-archive-redux/internal/publisher/memory"
	"github.com/LeCloutPanda/anyland-archive-redux/internal/queue"
)

type fakeArchiver struct {
	mu       sync.Mutex
	calls    []string
	statuses map[string]archive.Status
	errs     map[string]error
	panicOn  string
	// release, when non-nil, blocks every Archive call until closed.
	release chan struct{}
	// inFlight trips the overlap flag if two calls ever run concurrently.
	inFlight int32
	overlap  int32
}

func (a *fakeArchiver) Archive(_ context.Context, entry archive.QueueEntry) (archive.Status, error) {
	if !atomic.CompareAndSwapInt32(&a.inFlight, 0, 1) {
		atomic.StoreInt32(&a.overlap, 1)
	}
	defer atomic.StoreInt32(&a.inFlight, 0)

	if a.release != nil {
		<-a.release
	} else {
		time.Sleep(2 * time.Millisecond)
	}

	a.mu.Lock()
	a.calls = append(a.calls, entry.ID)
	a.mu.Unlock()

	if entry.ID == a.panicOn {
		panic("corrupt payload")
	}
	if err, ok := a.errs[entry.ID]; ok {
		return archive.Status{}, err
	}
	if status, ok := a.statuses[entry.ID]; ok {
		return status, nil
	}
	return archive.Status{Success: true}, nil
}

func (a *fakeArchiver) callIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

type fakeRecorder struct {
	mu        sync.Mutex
	setups    int
	setupErr  error
	successes []archive.SuccessRecord
	failures  []archive.FailureRecord
}

func (r *fakeRecorder) Setup(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setups++
	return r.setupErr
}

func (r *fakeRecorder) RecordSuccess(_ context.Context, rec archive.SuccessRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, rec)
	return nil
}

func (r *fakeRecorder) RecordFailure(_ context.Context, rec archive.FailureRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, rec)
	return nil
}

func (r *fakeRecorder) counts() (successes, failures int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestQueue(entries ...archive.QueueEntry) *queue.Manager {
	m := queue.NewManager(nil, nil, nil, fixedClock{now: time.Unix(1700000000, 0).UTC()}, zap.NewNop())
	m.SubmitExplicit(entries)
	return m
}

func drained(q *queue.Manager, rec *fakeRecorder, want int) func() bool {
	return func() bool {
		s, f := rec.counts()
		return q.Len() == 0 && s+f == want
	}
}

func TestLoopDrainsQueueInOrder(t *testing.T) {
	t.Parallel()

	q := newTestQueue(
		archive.QueueEntry{Name: "a", ID: "1"},
		archive.QueueEntry{Name: "b", ID: "2"},
		archive.QueueEntry{Name: "c", ID: "3"},
	)
	arch := &fakeArchiver{}
	rec := &fakeRecorder{}
	l := New(q, arch, rec, nil, fixedClock{}, Config{}, zap.NewNop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, drained(q, rec, 3), 5*time.Second, 10*time.Millisecond)
	l.Stop()

	require.Equal(t, []string{"1", "2", "3"}, arch.callIDs())
	s, f := rec.counts()
	require.Equal(t, 3, s)
	require.Zero(t, f)
}

func TestLoopRoutesOutcomes(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	q := newTestQueue(
		archive.QueueEntry{Name: "alpha", ID: "a1", Key: "ka"},
		archive.QueueEntry{Name: "beta", ID: "b1"},
	)
	arch := &fakeArchiver{
		statuses: map[string]archive.Status{
			"b1": {Success: false, Msg: "timeout"},
		},
	}
	rec := &fakeRecorder{}
	pub := memorypub.New()
	l := New(q, arch, rec, pub, fixedClock{now: now}, Config{Topic: "archive-events"}, zap.NewNop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, drained(q, rec, 2), 5*time.Second, 10*time.Millisecond)
	l.Stop()

	require.Len(t, rec.successes, 1)
	require.Equal(t, "alpha", rec.successes[0].Name)
	require.Equal(t, "ka", rec.successes[0].Key)
	require.Equal(t, now, rec.successes[0].ArchivedAt)

	require.Len(t, rec.failures, 1)
	require.Equal(t, "beta", rec.failures[0].Name)
	require.Equal(t, "timeout", rec.failures[0].Reason)
	require.Equal(t, 1, q.FailedCount())

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "archive-events", msgs[0].Topic)
}

func TestLoopArchiverErrorIsAFailure(t *testing.T) {
	t.Parallel()

	q := newTestQueue(archive.QueueEntry{Name: "alpha", ID: "a1"})
	arch := &fakeArchiver{errs: map[string]error{"a1": errors.New("connection reset")}}
	rec := &fakeRecorder{}
	l := New(q, arch, rec, nil, fixedClock{}, Config{}, zap.NewNop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, drained(q, rec, 1), 5*time.Second, 10*time.Millisecond)
	l.Stop()

	require.Len(t, rec.failures, 1)
	require.Contains(t, rec.failures[0].Reason, "connection reset")
}

func TestLoopSingleFlight(t *testing.T) {
	t.Parallel()

	entries := make([]archive.QueueEntry, 0, 10)
	for i := 0; i < 10; i++ {
		entries = append(entries, archive.QueueEntry{Name: "n", ID: string(rune('a' + i))})
	}
	q := newTestQueue(entries...)
	arch := &fakeArchiver{}
	rec := &fakeRecorder{}
	l := New(q, arch, rec, nil, fixedClock{}, Config{}, zap.NewNop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, drained(q, rec, 10), 5*time.Second, 10*time.Millisecond)
	l.Stop()

	require.Zero(t, atomic.LoadInt32(&arch.overlap), "two archive calls overlapped")
}

func TestLoopSurvivesPanicAndContinues(t *testing.T) {
	t.Parallel()

	q := newTestQueue(
		archive.QueueEntry{Name: "bad", ID: "boom", Key: "k"},
		archive.QueueEntry{Name: "good", ID: "ok"},
	)
	arch := &fakeArchiver{panicOn: "boom"}
	rec := &fakeRecorder{}
	l := New(q, arch, rec, nil, fixedClock{}, Config{}, zap.NewNop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, drained(q, rec, 2), 5*time.Second, 10*time.Millisecond)
	l.Stop()

	require.Len(t, rec.failures, 1)
	require.Equal(t, "bad", rec.failures[0].Name)
	require.Equal(t, "boom", rec.failures[0].ID)
	require.Equal(t, "k", rec.failures[0].Key)
	require.Contains(t, rec.failures[0].Reason, "archive panicked")
	require.Len(t, rec.successes, 1)
	require.Equal(t, "ok", rec.successes[0].ID)
}

func TestLoopStopWaitsForInflightArchive(t *testing.T) {
	t.Parallel()

	q := newTestQueue(archive.QueueEntry{Name: "slow", ID: "s1"})
	arch := &fakeArchiver{release: make(chan struct{})}
	rec := &fakeRecorder{}
	l := New(q, arch, rec, nil, fixedClock{}, Config{}, zap.NewNop())

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&arch.inFlight) == 1
	}, 5*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an archive was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(arch.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the in-flight archive settled")
	}

	// The in-flight outcome was fully recorded before Stop returned.
	s, f := rec.counts()
	require.Equal(t, 1, s)
	require.Zero(t, f)
}

func TestLoopSetupFailureAbortsStart(t *testing.T) {
	t.Parallel()

	q := newTestQueue()
	rec := &fakeRecorder{setupErr: errors.New("disk full")}
	l := New(q, &fakeArchiver{}, rec, nil, fixedClock{}, Config{}, zap.NewNop())

	err := l.Start(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "recorder setup")
	l.Stop() // must not hang after a failed start
}

func TestLoopSetupRunsOnce(t *testing.T) {
	t.Parallel()

	q := newTestQueue()
	rec := &fakeRecorder{}
	l := New(q, &fakeArchiver{}, rec, nil, fixedClock{}, Config{}, zap.NewNop())

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()))
	l.Stop()
	require.Equal(t, 1, rec.setups)
}
