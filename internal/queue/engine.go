// Package queue implements admission control over named wait queues.
//
// Each queue name owns two ordered sets in the backing store: the wait set,
// holding users in arrival order, and the allow set, holding users that were
// promoted and may enter. Users move wait -> allow at most once per
// enrollment; enrolling again after admission starts a fresh wait entry.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/jawaracloud/admission-queue/internal/broker"
	"github.com/jawaracloud/admission-queue/internal/metrics"
	"github.com/jawaracloud/admission-queue/internal/storage"
	"github.com/jawaracloud/admission-queue/internal/token"
	"github.com/jawaracloud/admission-queue/pkg/models"
)

// Engine orchestrates enrollment, promotion and access checks.
type Engine struct {
	store     storage.Store
	tokens    *token.Codec
	keys      keySpace
	publisher broker.Publisher
	metrics   *metrics.Metrics
	logger    logrus.FieldLogger

	now             func() time.Time
	lastStamp       atomic.Int64
	mutationTimeout time.Duration
	retry           retryPolicy
}

// Option configures an Engine.
type Option func(*Engine)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(e *Engine) {
		if prefix != "" {
			e.keys.prefix = prefix
		}
	}
}

// WithPublisher sets where enrolled/admitted events go.
func WithPublisher(p broker.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMutationTimeout bounds Enroll and Promote store calls.
func WithMutationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.mutationTimeout = d
		}
	}
}

// WithReadRetry configures retries of transient read failures.
func WithReadRetry(attempts int, initial, maxDelay time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.retry = retryPolicy{attempts: attempts, initial: initial, max: maxDelay}
		}
	}
}

// NewEngine creates an Engine over store, issuing tokens with tokens.
func NewEngine(store storage.Store, tokens *token.Codec, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		tokens:          tokens,
		keys:            keySpace{prefix: DefaultKeyPrefix},
		publisher:       broker.NoopPublisher{},
		logger:          logrus.StandardLogger(),
		now:             time.Now,
		mutationTimeout: 5 * time.Second,
		retry:           defaultRetry,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// timestamp returns the current epoch second, never going backwards within
// this process even if the wall clock does.
func (e *Engine) timestamp() int64 {
	now := e.now().Unix()
	for {
		last := e.lastStamp.Load()
		if now <= last {
			return last
		}
		if e.lastStamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// mutationContext detaches ctx from caller cancellation so a store mutation,
// once started, is not abandoned halfway.
func (e *Engine) mutationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.mutationTimeout)
}

// Enroll places userID at the back of queue and returns its 1-based rank.
func (e *Engine) Enroll(ctx context.Context, queue string, userID int64) (int64, error) {
	if err := validate(queue, userID); err != nil {
		return 0, err
	}
	mctx, cancel := e.mutationContext(ctx)
	defer cancel()

	key := e.keys.wait(queue)
	added, err := e.store.Add(mctx, key, storage.Member{ID: userID, EnrolledAt: e.timestamp()})
	if err != nil {
		e.metrics.ObserveEnroll("error")
		return 0, errors.Wrapf(err, "enroll user %d in %q", userID, queue)
	}
	if !added {
		e.metrics.ObserveEnroll("already_enrolled")
		return 0, ErrAlreadyEnrolled
	}
	e.metrics.ObserveEnroll("ok")

	rank, err := e.store.Rank(mctx, key, userID)
	if err != nil {
		return 0, errors.Wrapf(err, "rank user %d in %q", userID, queue)
	}
	e.publish(ctx, models.EventEnrolled, queue, []int64{userID})

	// A promotion racing between Add and Rank leaves rank at -1; the user was
	// at the head of the line.
	if rank < 0 {
		return 1, nil
	}
	return rank + 1, nil
}

// Promote moves up to count of the oldest waiting users of queue into its
// allow set and returns how many were admitted. Concurrent calls never admit
// the same member twice: each popped member belongs to exactly one call.
// A member whose admission fails goes back to the wait set.
func (e *Engine) Promote(ctx context.Context, queue string, count int64) (int64, error) {
	if queue == "" {
		return 0, ErrInvalidQueue
	}
	if count < 0 {
		return 0, ErrInvalidCount
	}
	if count == 0 {
		return 0, nil
	}
	mctx, cancel := e.mutationContext(ctx)
	defer cancel()

	popped, err := e.store.RemoveMin(mctx, e.keys.wait(queue), count)
	if err != nil {
		return 0, errors.Wrapf(err, "pop %d from %q", count, queue)
	}

	var (
		stamp    = e.timestamp()
		allowKey = e.keys.allow(queue)
		admitted = make([]int64, 0, len(popped))
		failed   int
		firstErr error
	)
	for _, m := range popped {
		added, err := e.store.Add(mctx, allowKey, storage.Member{ID: m.ID, EnrolledAt: stamp})
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "admit user %d in %q", m.ID, queue)
			}
			e.requeue(mctx, queue, m, err)
			continue
		}
		if added {
			admitted = append(admitted, m.ID)
		}
	}

	n := int64(len(admitted))
	e.metrics.ObservePromote(n)
	if n > 0 {
		e.publish(ctx, models.EventAdmitted, queue, admitted)
	}
	if firstErr != nil {
		return n, errors.Wrapf(firstErr, "%d of %d admissions failed", failed, len(popped))
	}
	return n, nil
}

// requeue puts a popped member back into the wait set with its original
// arrival time, so a failed admission does not drop it from both sets.
func (e *Engine) requeue(ctx context.Context, queue string, m storage.Member, cause error) {
	entry := e.logger.WithError(cause).WithFields(logrus.Fields{
		"queue":   queue,
		"user_id": m.ID,
	})
	if _, err := e.store.Add(ctx, e.keys.wait(queue), m); err != nil {
		entry.WithField("requeue_error", err.Error()).Error("popped user could not be admitted nor requeued")
		return
	}
	entry.Warn("popped user could not be admitted, requeued")
}

// IsAdmitted reports whether userID is in the allow set of queue.
func (e *Engine) IsAdmitted(ctx context.Context, queue string, userID int64) (bool, error) {
	if err := validate(queue, userID); err != nil {
		return false, err
	}
	rank, err := e.rank(ctx, e.keys.allow(queue), userID)
	if err != nil {
		return false, errors.Wrapf(err, "check admission of user %d in %q", userID, queue)
	}
	return rank >= 0, nil
}

// CheckAccess requires both a valid token for (queue, userID) and server-side
// admission. A token failure is returned as an error wrapping
// token.ErrInvalidToken.
func (e *Engine) CheckAccess(ctx context.Context, queue string, userID int64, tok string) (bool, error) {
	if err := validate(queue, userID); err != nil {
		return false, err
	}
	if err := e.tokens.Verify(tok, queue, userID); err != nil {
		e.metrics.ObserveAccess("invalid_token")
		return false, err
	}

	admitted, err := e.IsAdmitted(ctx, queue, userID)
	switch {
	case err != nil:
		e.metrics.ObserveAccess("error")
		return false, err
	case !admitted:
		e.metrics.ObserveAccess("not_admitted")
	default:
		e.metrics.ObserveAccess("allowed")
	}
	return admitted, nil
}

// IssueToken signs an access token for (queue, userID).
func (e *Engine) IssueToken(queue string, userID int64) (string, error) {
	if err := validate(queue, userID); err != nil {
		return "", err
	}
	return e.tokens.Issue(queue, userID)
}

// WaitRank returns the 1-based rank of userID in queue, or -1 when the user
// is not waiting.
func (e *Engine) WaitRank(ctx context.Context, queue string, userID int64) (int64, error) {
	if err := validate(queue, userID); err != nil {
		return -1, err
	}
	rank, err := e.rank(ctx, e.keys.wait(queue), userID)
	if err != nil {
		return -1, errors.Wrapf(err, "rank user %d in %q", userID, queue)
	}
	if rank < 0 {
		return -1, nil
	}
	return rank + 1, nil
}

// WaitSize returns the number of users waiting in queue.
func (e *Engine) WaitSize(ctx context.Context, queue string) (int64, error) {
	if queue == "" {
		return 0, ErrInvalidQueue
	}
	return e.size(ctx, e.keys.wait(queue))
}

// TotalSize returns waiting plus admitted users of queue.
func (e *Engine) TotalSize(ctx context.Context, queue string) (int64, error) {
	if queue == "" {
		return 0, ErrInvalidQueue
	}
	waiting, err := e.size(ctx, e.keys.wait(queue))
	if err != nil {
		return 0, err
	}
	allowed, err := e.size(ctx, e.keys.allow(queue))
	if err != nil {
		return 0, err
	}
	return waiting + allowed, nil
}

// Status reports the rank, queue size and progress of userID without
// enrolling it.
func (e *Engine) Status(ctx context.Context, queue string, userID int64) (models.QueueStatus, error) {
	rank, err := e.WaitRank(ctx, queue, userID)
	if err != nil {
		return models.QueueStatus{}, err
	}
	return e.statusFor(ctx, queue, userID, rank)
}

// EnrollOrStatus enrolls userID, or reports its current status when it is
// already waiting. Refreshing a waiting page therefore never errors.
func (e *Engine) EnrollOrStatus(ctx context.Context, queue string, userID int64) (models.QueueStatus, error) {
	rank, err := e.Enroll(ctx, queue, userID)
	if errors.Is(err, ErrAlreadyEnrolled) {
		rank, err = e.WaitRank(ctx, queue, userID)
	}
	if err != nil {
		return models.QueueStatus{}, err
	}
	return e.statusFor(ctx, queue, userID, rank)
}

// Queues lists the queues that currently have waiting users.
func (e *Engine) Queues(ctx context.Context) ([]string, error) {
	var keys []string
	err := e.retry.do(ctx, func(ctx context.Context) error {
		var err error
		keys, err = e.store.Scan(ctx, e.keys.waitPattern())
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan wait queues")
	}

	queues := make([]string, 0, len(keys))
	for _, key := range keys {
		if q, ok := e.keys.queueFromWait(key); ok {
			queues = append(queues, q)
		}
	}
	return queues, nil
}

func (e *Engine) statusFor(ctx context.Context, queue string, userID, rank int64) (models.QueueStatus, error) {
	total, err := e.TotalSize(ctx, queue)
	if err != nil {
		return models.QueueStatus{}, err
	}
	status := models.QueueStatus{
		Rank:      rank,
		TotalSize: total,
		Progress:  Progress(rank),
	}
	e.logger.WithFields(logrus.Fields{
		"queue":    queue,
		"user_id":  userID,
		"rank":     status.Rank,
		"total":    status.TotalSize,
		"progress": status.Progress,
	}).Debug("queue status")
	return status, nil
}

func (e *Engine) rank(ctx context.Context, key string, id int64) (int64, error) {
	var rank int64
	err := e.retry.do(ctx, func(ctx context.Context) error {
		var err error
		rank, err = e.store.Rank(ctx, key, id)
		return err
	})
	return rank, err
}

func (e *Engine) size(ctx context.Context, key string) (int64, error) {
	var n int64
	err := e.retry.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = e.store.Size(ctx, key)
		return err
	})
	if err != nil {
		return 0, errors.Wrapf(err, "size of %s", key)
	}
	return n, nil
}

func (e *Engine) publish(ctx context.Context, typ models.EventType, queue string, userIDs []int64) {
	event := broker.NewEvent(typ, queue, userIDs)
	if err := e.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"queue": queue,
			"event": typ,
		}).Warn("publish queue event")
	}
}
