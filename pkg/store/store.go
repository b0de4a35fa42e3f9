package store

import (
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

type StageStatus string

const (
	StageRunning StageStatus = "running"
	StagePassed  StageStatus = "passed"
	StageFailed  StageStatus = "failed"
)

// Stage names, in execution order.
const (
	StagePrepare        = "prepare"
	StageBoot           = "boot"
	StageWaitForNetwork = "waitForNetwork"
	StageMonitor        = "bootMonitor"
	StageVerify         = "externalVerification"
	StageCleanup        = "cleanup"
)

// ErrNotFound is returned for lookups of unknown record ids.
var ErrNotFound = errors.New("test record not found")

// TestRecord is the persisted state of one boot test. A record is mutated
// only while queued or running; once it reaches passed or failed the only
// legal change is the externally-set reported flag.
type TestRecord struct {
	ID           string                 `json:"id"`
	ImageURL     string                 `json:"imageUrl"`
	RequestedBy  string                 `json:"requestedBy"`
	Status       Status                 `json:"status"`
	Stages       map[string]StageStatus `json:"stageStatuses"`
	EnqueuedAt   time.Time              `json:"enqueuedAt"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	FinishedAt   *time.Time             `json:"finishedAt,omitempty"`
	ErrorStage   string                 `json:"errorStage,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Reported     bool                   `json:"reported"`
}

// Terminal reports whether the record reached a final status.
func (r *TestRecord) Terminal() bool {
	return r.Status == StatusPassed || r.Status == StatusFailed
}

// Store persists test records. Implementations must hand out copies; callers
// never share record memory with the store.
type Store interface {
	CreateRecord(imageURL, requestedBy string) (*TestRecord, error)
	GetRecord(id string) (*TestRecord, error)
	ListQueued() ([]*TestRecord, error)
	ListRunning() ([]*TestRecord, error)
	ListRecords() ([]*TestRecord, error)
	MarkRunning(id string) error
	UpdateStage(id, stage string, status StageStatus) error
	CompleteRecord(id string, passed bool, errorStage, errorMessage string) error
	MarkReported(id string) error
}
