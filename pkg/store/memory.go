package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var _ Store = new(Memory)

// Memory is the default in-process store used by a standalone rig and by
// tests. Records survive for the life of the daemon only.
type Memory struct {
	mu      sync.Mutex
	records map[string]*TestRecord
	order   []string // insertion order, for stable queue dequeue
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*TestRecord),
	}
}

func (m *Memory) CreateRecord(imageURL, requestedBy string) (*TestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record := &TestRecord{
		ID:          uuid.New().String(),
		ImageURL:    imageURL,
		RequestedBy: requestedBy,
		Status:      StatusQueued,
		Stages:      make(map[string]StageStatus),
		EnqueuedAt:  time.Now(),
	}
	m.records[record.ID] = record
	m.order = append(m.order, record.ID)
	return copyRecord(record), nil
}

func (m *Memory) GetRecord(id string) (*TestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(record), nil
}

func (m *Memory) ListQueued() ([]*TestRecord, error) {
	return m.listByStatus(StatusQueued), nil
}

func (m *Memory) ListRunning() ([]*TestRecord, error) {
	return m.listByStatus(StatusRunning), nil
}

func (m *Memory) ListRecords() ([]*TestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*TestRecord, 0, len(m.records))
	for _, id := range m.order {
		out = append(out, copyRecord(m.records[id]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out, nil
}

func (m *Memory) MarkRunning(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Status != StatusQueued {
		return errors.Errorf("record %s is %s, not queued", id, record.Status)
	}
	now := time.Now()
	record.Status = StatusRunning
	record.StartedAt = &now
	return nil
}

func (m *Memory) UpdateStage(id, stage string, status StageStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Terminal() {
		return errors.Errorf("record %s is terminal", id)
	}
	record.Stages[stage] = status
	return nil
}

func (m *Memory) CompleteRecord(id string, passed bool, errorStage, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if record.Terminal() {
		return errors.Errorf("record %s is already terminal", id)
	}
	now := time.Now()
	record.FinishedAt = &now
	if passed {
		record.Status = StatusPassed
	} else {
		record.Status = StatusFailed
		record.ErrorStage = errorStage
		record.ErrorMessage = errorMessage
	}
	return nil
}

func (m *Memory) MarkReported(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	record.Reported = true
	return nil
}

func (m *Memory) listByStatus(status Status) []*TestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*TestRecord
	for _, id := range m.order {
		record := m.records[id]
		if record.Status == status {
			out = append(out, copyRecord(record))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

func copyRecord(record *TestRecord) *TestRecord {
	out := *record
	out.Stages = make(map[string]StageStatus, len(record.Stages))
	for stage, status := range record.Stages {
		out.Stages[stage] = status
	}
	return &out
}
