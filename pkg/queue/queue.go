package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

// ExecuteFunc runs one accepted test to a terminal status. The dispatcher
// blocks on it: there is exactly one rig, so there is never more than one
// in-flight test.
type ExecuteFunc func(record *store.TestRecord)

type acceptedEntry struct {
	id string
	at time.Time
}

// Queue accepts test requests, rejects duplicates inside the dedup window
// and dispatches queued records one at a time.
type Queue struct {
	store        store.Store
	window       time.Duration
	pollInterval time.Duration
	execute      ExecuteFunc

	mu       sync.Mutex
	accepted map[string]acceptedEntry
	running  bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(recordStore store.Store, window time.Duration, execute ExecuteFunc) *Queue {
	return &Queue{
		store:        recordStore,
		window:       window,
		pollInterval: 2 * time.Second,
		execute:      execute,
		accepted:     make(map[string]acceptedEntry),
		stopCh:       make(chan struct{}),
	}
}

// normalizeKey is the request identity used for deduplication.
func normalizeKey(imageURL string) string {
	return strings.ToLower(strings.TrimSpace(imageURL))
}

// Submit accepts or rejects a test request. A request identical to one
// accepted within the dedup window is rejected with the prior record's id
// and never enqueued.
func (q *Queue) Submit(imageURL, requestedBy string) (bool, string, error) {
	key := normalizeKey(imageURL)
	if key == "" {
		return false, "", errors.New("empty image url")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()
	if prior, ok := q.accepted[key]; ok {
		logger.Info("duplicate test request rejected",
			zap.String("imageUrl", imageURL),
			zap.String("priorId", prior.id))
		return false, prior.id, nil
	}

	record, err := q.store.CreateRecord(strings.TrimSpace(imageURL), requestedBy)
	if err != nil {
		return false, "", errors.Wrap(err, "create record")
	}
	q.accepted[key] = acceptedEntry{id: record.ID, at: time.Now()}

	logger.Info("test request accepted",
		zap.String("id", record.ID),
		zap.String("imageUrl", imageURL))
	return true, record.ID, nil
}

func (q *Queue) pruneLocked() {
	cutoff := time.Now().Add(-q.window)
	for key, entry := range q.accepted {
		if entry.at.Before(cutoff) {
			delete(q.accepted, key)
		}
	}
}

// Start launches the dispatcher goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.dispatchLoop()
}

// Stop shuts the dispatcher down, waiting for an in-flight test to finish.
// Safe to call repeatedly.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

// IsIdle reports whether no test is running and nothing is queued, so that
// manual-intervention tooling can take the hardware without racing the
// dispatcher.
func (q *Queue) IsIdle() bool {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if running {
		return false
	}

	queued, err := q.store.ListQueued()
	if err != nil {
		logger.Error(errors.Wrap(err, "list queued"))
		return false
	}
	return len(queued) == 0
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		record, ok := q.nextQueued()
		if !ok {
			select {
			case <-q.stopCh:
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		q.setRunning(true)
		q.execute(record)
		q.setRunning(false)
	}
}

// nextQueued claims the oldest queued record, if any.
func (q *Queue) nextQueued() (*store.TestRecord, bool) {
	queued, err := q.store.ListQueued()
	if err != nil {
		logger.Error(errors.Wrap(err, "list queued"))
		return nil, false
	}
	if len(queued) == 0 {
		return nil, false
	}

	record := queued[0]
	if err := q.store.MarkRunning(record.ID); err != nil {
		logger.Error(errors.Wrap(err, "mark running"))
		return nil, false
	}
	return record, true
}

func (q *Queue) setRunning(running bool) {
	q.mu.Lock()
	q.running = running
	q.mu.Unlock()
}
