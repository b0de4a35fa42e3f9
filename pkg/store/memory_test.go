package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_MemoryLifecycle(t *testing.T) {
	req := require.New(t)

	m := NewMemory()

	record, err := m.CreateRecord("https://example.com/adsb-im-x.img.xz", "ci")
	req.NoError(err)
	req.Equal(StatusQueued, record.Status)
	req.NotEmpty(record.ID)

	queued, err := m.ListQueued()
	req.NoError(err)
	req.Len(queued, 1)

	req.NoError(m.MarkRunning(record.ID))
	// a running record can not be marked running again
	req.Error(m.MarkRunning(record.ID))

	running, err := m.ListRunning()
	req.NoError(err)
	req.Len(running, 1)
	req.NotNil(running[0].StartedAt)

	req.NoError(m.UpdateStage(record.ID, StagePrepare, StageRunning))
	req.NoError(m.UpdateStage(record.ID, StagePrepare, StagePassed))

	req.NoError(m.CompleteRecord(record.ID, false, StageBoot, "power toggle failed"))

	got, err := m.GetRecord(record.ID)
	req.NoError(err)
	req.Equal(StatusFailed, got.Status)
	req.Equal(StageBoot, got.ErrorStage)
	req.Equal("power toggle failed", got.ErrorMessage)
	req.NotNil(got.FinishedAt)

	// terminal records are immutable except for the reported flag
	req.Error(m.CompleteRecord(record.ID, true, "", ""))
	req.Error(m.UpdateStage(record.ID, StageCleanup, StagePassed))
	req.NoError(m.MarkReported(record.ID))

	got, err = m.GetRecord(record.ID)
	req.NoError(err)
	req.True(got.Reported)
}

func Test_MemoryQueueOrder(t *testing.T) {
	req := require.New(t)

	m := NewMemory()
	first, err := m.CreateRecord("https://example.com/adsb-im-a.img.xz", "ci")
	req.NoError(err)
	_, err = m.CreateRecord("https://example.com/adsb-im-b.img.xz", "ci")
	req.NoError(err)

	queued, err := m.ListQueued()
	req.NoError(err)
	req.Len(queued, 2)
	req.Equal(first.ID, queued[0].ID)
}

func Test_MemoryReturnsCopies(t *testing.T) {
	req := require.New(t)

	m := NewMemory()
	record, err := m.CreateRecord("https://example.com/adsb-im-a.img.xz", "ci")
	req.NoError(err)

	record.Stages["tampered"] = StagePassed
	record.Status = StatusPassed

	got, err := m.GetRecord(record.ID)
	req.NoError(err)
	req.Equal(StatusQueued, got.Status)
	req.Empty(got.Stages)
}

func Test_MemoryGetUnknown(t *testing.T) {
	req := require.New(t)

	m := NewMemory()
	_, err := m.GetRecord("nope")
	req.ErrorIs(err, ErrNotFound)
}
