package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

type fakeScheduler struct {
	accepted bool
	id       string
	err      error
	idle     bool

	submitted []string
}

func (f *fakeScheduler) Submit(imageURL, requestedBy string) (bool, string, error) {
	f.submitted = append(f.submitted, imageURL)
	return f.accepted, f.id, f.err
}

func (f *fakeScheduler) IsIdle() bool {
	return f.idle
}

func Test_submitTest(t *testing.T) {
	req := require.New(t)

	scheduler := &fakeScheduler{accepted: true, id: "abc-123"}
	srv := httptest.NewServer(New(store.NewMemory(), scheduler).Router())
	defer srv.Close()

	body, err := json.Marshal(SubmitTestRequest{
		ImageURL:    "https://example.com/adsb-im-raspberrypi64-v3.img.xz",
		RequestedBy: "ci",
	})
	req.NoError(err)

	resp, err := http.Post(srv.URL+"/v1/test", "application/json", bytes.NewReader(body))
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(202, resp.StatusCode)

	submitTestResponse := SubmitTestResponse{}
	req.NoError(json.NewDecoder(resp.Body).Decode(&submitTestResponse))
	req.Equal("abc-123", submitTestResponse.ID)
	req.True(submitTestResponse.Accepted)
	req.Equal([]string{"https://example.com/adsb-im-raspberrypi64-v3.img.xz"}, scheduler.submitted)
}

func Test_submitTestDuplicate(t *testing.T) {
	req := require.New(t)

	scheduler := &fakeScheduler{accepted: false, id: "prior-id"}
	srv := httptest.NewServer(New(store.NewMemory(), scheduler).Router())
	defer srv.Close()

	body, err := json.Marshal(SubmitTestRequest{ImageURL: "https://example.com/adsb-im-raspberrypi64-v3.img.xz"})
	req.NoError(err)

	resp, err := http.Post(srv.URL+"/v1/test", "application/json", bytes.NewReader(body))
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(409, resp.StatusCode)

	submitTestResponse := SubmitTestResponse{}
	req.NoError(json.NewDecoder(resp.Body).Decode(&submitTestResponse))
	req.Equal("prior-id", submitTestResponse.ID)
	req.False(submitTestResponse.Accepted)
}

func Test_submitTestMissingURL(t *testing.T) {
	req := require.New(t)

	srv := httptest.NewServer(New(store.NewMemory(), &fakeScheduler{}).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/test", "application/json", bytes.NewReader([]byte(`{}`)))
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(400, resp.StatusCode)
}

func Test_getTest(t *testing.T) {
	req := require.New(t)

	recordStore := store.NewMemory()
	record, err := recordStore.CreateRecord("https://example.com/adsb-im-le-potato-v3.img.xz", "ci")
	req.NoError(err)

	srv := httptest.NewServer(New(recordStore, &fakeScheduler{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/test/" + record.ID)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(200, resp.StatusCode)

	got := store.TestRecord{}
	req.NoError(json.NewDecoder(resp.Body).Decode(&got))
	req.Equal(record.ID, got.ID)
	req.Equal(store.StatusQueued, got.Status)
}

func Test_getTestNotFound(t *testing.T) {
	req := require.New(t)

	srv := httptest.NewServer(New(store.NewMemory(), &fakeScheduler{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/test/no-such-id")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(404, resp.StatusCode)
}

func Test_markTestReported(t *testing.T) {
	req := require.New(t)

	recordStore := store.NewMemory()
	record, err := recordStore.CreateRecord("https://example.com/adsb-im-raspberrypi64-v3.img.xz", "ci")
	req.NoError(err)

	srv := httptest.NewServer(New(recordStore, &fakeScheduler{}).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/test/"+record.ID+"/reported", "application/json", nil)
	req.NoError(err)
	resp.Body.Close()
	req.Equal(204, resp.StatusCode)

	got, err := recordStore.GetRecord(record.ID)
	req.NoError(err)
	req.True(got.Reported)

	resp, err = http.Post(srv.URL+"/v1/test/no-such-id/reported", "application/json", nil)
	req.NoError(err)
	resp.Body.Close()
	req.Equal(404, resp.StatusCode)
}

func Test_listTests(t *testing.T) {
	req := require.New(t)

	recordStore := store.NewMemory()
	for _, url := range []string{
		"https://example.com/adsb-im-raspberrypi64-v3.img.xz",
		"https://example.com/adsb-im-le-potato-v3.img.xz",
	} {
		_, err := recordStore.CreateRecord(url, "ci")
		req.NoError(err)
	}

	srv := httptest.NewServer(New(recordStore, &fakeScheduler{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tests")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(200, resp.StatusCode)

	listTestsResponse := ListTestsResponse{}
	req.NoError(json.NewDecoder(resp.Body).Decode(&listTestsResponse))
	req.Equal(2, listTestsResponse.Total)
	req.Len(listTestsResponse.Tests, 2)
}

func Test_queueStatus(t *testing.T) {
	req := require.New(t)

	recordStore := store.NewMemory()
	record, err := recordStore.CreateRecord("https://example.com/adsb-im-vm-v3.img.xz", "ci")
	req.NoError(err)
	req.NoError(recordStore.MarkRunning(record.ID))

	srv := httptest.NewServer(New(recordStore, &fakeScheduler{idle: false}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/queue/status")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(200, resp.StatusCode)

	queueStatusResponse := QueueStatusResponse{}
	req.NoError(json.NewDecoder(resp.Body).Decode(&queueStatusResponse))
	req.Equal(0, queueStatusResponse.IsIdle)
	req.Equal(0, queueStatusResponse.Queued)
	req.Equal(1, queueStatusResponse.Running)
}

func Test_healthz(t *testing.T) {
	req := require.New(t)

	srv := httptest.NewServer(New(store.NewMemory(), &fakeScheduler{}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(200, resp.StatusCode)

	healthzResponse := HealthzResponse{}
	req.NoError(json.NewDecoder(resp.Body).Decode(&healthzResponse))
	req.True(healthzResponse.IsAlive)
}
