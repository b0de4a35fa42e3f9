package queue

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

func Test_submitDedup(t *testing.T) {
	req := require.New(t)

	q := New(store.NewMemory(), time.Hour, func(*store.TestRecord) {})

	accepted, id, err := q.Submit("https://example.com/adsb-im-raspberrypi64-v3.img.xz", "ci")
	req.NoError(err)
	req.True(accepted)
	req.NotEmpty(id)

	// same url, differing only in case and whitespace
	accepted, dupID, err := q.Submit("  HTTPS://EXAMPLE.COM/adsb-im-raspberrypi64-v3.img.xz ", "ci")
	req.NoError(err)
	req.False(accepted)
	req.Equal(id, dupID)

	accepted, otherID, err := q.Submit("https://example.com/adsb-im-raspberrypi64-v4.img.xz", "ci")
	req.NoError(err)
	req.True(accepted)
	req.NotEqual(id, otherID)

	queued, err := q.store.ListQueued()
	req.NoError(err)
	req.Len(queued, 2)
}

func Test_submitDedupWindowExpiry(t *testing.T) {
	req := require.New(t)

	q := New(store.NewMemory(), 50*time.Millisecond, func(*store.TestRecord) {})

	accepted, first, err := q.Submit("https://example.com/adsb-im-le-potato-v3.img.xz", "ci")
	req.NoError(err)
	req.True(accepted)

	time.Sleep(80 * time.Millisecond)

	accepted, second, err := q.Submit("https://example.com/adsb-im-le-potato-v3.img.xz", "ci")
	req.NoError(err)
	req.True(accepted)
	req.NotEqual(first, second)
}

func Test_submitEmptyURL(t *testing.T) {
	req := require.New(t)

	q := New(store.NewMemory(), time.Hour, func(*store.TestRecord) {})

	_, _, err := q.Submit("   ", "ci")
	req.Error(err)
}

func Test_dispatchSingleFlight(t *testing.T) {
	req := require.New(t)

	recordStore := store.NewMemory()

	var inFlight int32
	var maxInFlight int32
	var executed int32
	q := New(recordStore, time.Hour, func(record *store.TestRecord) {
		cur := atomic.AddInt32(&inFlight, 1)
		if cur > atomic.LoadInt32(&maxInFlight) {
			atomic.StoreInt32(&maxInFlight, cur)
		}
		time.Sleep(20 * time.Millisecond)
		err := recordStore.CompleteRecord(record.ID, true, "", "")
		require.NoError(t, err)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&executed, 1)
	})
	q.pollInterval = 5 * time.Millisecond

	for i := 0; i < 3; i++ {
		url := "https://example.com/adsb-im-raspberrypi64-v" + string(rune('1'+i)) + ".img.xz"
		accepted, _, err := q.Submit(url, "ci")
		req.NoError(err)
		req.True(accepted)
	}

	req.False(q.IsIdle())

	q.Start()
	defer q.Stop()

	req.Eventually(func() bool {
		return atomic.LoadInt32(&executed) == 3
	}, 5*time.Second, 10*time.Millisecond)

	req.Equal(int32(1), atomic.LoadInt32(&maxInFlight))

	req.Eventually(q.IsIdle, time.Second, 10*time.Millisecond)

	records, err := recordStore.ListRecords()
	req.NoError(err)
	req.Len(records, 3)
	for _, record := range records {
		req.Equal(store.StatusPassed, record.Status)
	}
}

func Test_stopWaitsForInFlightTest(t *testing.T) {
	req := require.New(t)

	recordStore := store.NewMemory()

	started := make(chan struct{})
	var finished int32
	q := New(recordStore, time.Hour, func(record *store.TestRecord) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		err := recordStore.CompleteRecord(record.ID, true, "", "")
		require.NoError(t, err)
		atomic.StoreInt32(&finished, 1)
	})
	q.pollInterval = 5 * time.Millisecond

	_, _, err := q.Submit("https://example.com/adsb-im-vm-v3.img.xz", "ci")
	req.NoError(err)

	q.Start()
	<-started
	q.Stop()

	req.Equal(int32(1), atomic.LoadInt32(&finished))
	req.True(q.IsIdle())

	// the deferred Stop in callers must not panic on a second call
	q.Stop()
}
