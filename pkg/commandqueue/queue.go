package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/tavern/internal/observability"
	"github.com/harun/tavern/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("command queue closed")

// Task represents an operation to run in a lane.
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// Options configures a Queue.
type Options struct {
	// DedupTTL bounds how long EnqueueOnce remembers a result. Defaults to 5m.
	DedupTTL time.Duration
	Logger   zerolog.Logger
}

// Queue provides lane-based task serialization.
type Queue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	dedup  *dedupCache
	logger zerolog.Logger
}

// New creates an empty queue.
func New(opts Options) *Queue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		dedup:  newDedupCache(ctx, opts.DedupTTL),
		logger: opts.Logger.With().Str("component", "commandqueue").Logger(),
	}
}

// laneKind is the lane prefix before ':' used as a low-cardinality label.
func laneKind(lane string) string {
	if i := strings.IndexByte(lane, ':'); i > 0 {
		return lane[:i]
	}
	return "default"
}

// Enqueue adds task to lane and blocks until it finishes or ctx is done.
// A task whose ctx is cancelled while queued never runs.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "tavern.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", lane))
	defer span.End()

	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, lane)
	}
	logger := tracing.LoggerFromContext(ctx, q.logger)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, tracing.Fail(span, ErrClosed)
	}
	q.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls, ok := q.lanes[lane]
	if !ok {
		ls = &laneState{}
		q.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	q.mu.Unlock()

	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queueSize).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneKind(lane), queueSize, lane)

	q.processLane(lane)

	select {
	case result := <-record.result:
		if result.err != nil {
			tracing.Fail(span, result.err)
		}
		return result.value, result.err
	case <-ctx.Done():
		// processLane drops the record once it reaches the front.
		return nil, tracing.Fail(span, ctx.Err())
	}
}

// EnqueueOnce is Enqueue with idempotency: a repeated key within the dedup
// TTL returns the first result without running task again. An empty key
// disables deduplication.
func (q *Queue) EnqueueOnce(ctx context.Context, lane, key string, task Task) (interface{}, error) {
	if key == "" {
		return q.Enqueue(ctx, lane, task)
	}
	if res, ok := q.dedup.lookup(lane, key); ok {
		observability.RecordDuplicateTurn(laneKind(lane))
		q.logger.Debug().Str("lane", lane).Str("key", key).Msg("Duplicate task, returning cached result")
		return res.value, res.err
	}

	value, err := q.Enqueue(ctx, lane, func(ctx context.Context) (interface{}, error) {
		// A duplicate may have been queued behind the original.
		if res, ok := q.dedup.lookup(lane, key); ok {
			observability.RecordDuplicateTurn(laneKind(lane))
			return res.value, res.err
		}
		v, err := task(ctx)
		q.dedup.remember(lane, key, taskResult{value: v, err: err})
		return v, err
	})
	return value, err
}

// processLane starts the next runnable task of lane if the lane is idle.
func (q *Queue) processLane(lane string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, ok := q.lanes[lane]
	if !ok || ls.running {
		return
	}

	for len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running = true
		q.wg.Add(1)
		go q.executeTask(lane, record)
		return
	}

	delete(q.lanes, lane)
}

func (q *Queue) executeTask(lane string, record *taskRecord) {
	defer q.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "tavern.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, q.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	stopCancel()
	cancel()

	q.mu.Lock()
	queueSize := 0
	if ls, ok := q.lanes[lane]; ok {
		ls.running = false
		queueSize = len(ls.queue)
	}
	q.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.Fail(span, err)
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queueSize)

	q.processLane(lane)
}

// QueueSize returns the number of tasks waiting in lane, excluding the running one.
func (q *Queue) QueueSize(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok := q.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Lanes returns the number of lanes with queued or running work.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close rejects new tasks, cancels running ones and waits for them to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	<-q.dedup.done
	return nil
}
