package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

type SubmitTestRequest struct {
	ImageURL    string `json:"imageUrl"`
	RequestedBy string `json:"requestedBy"`
}

type SubmitTestResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) SubmitTest(w http.ResponseWriter, r *http.Request) {
	submitTestRequest := SubmitTestRequest{}
	if err := json.NewDecoder(r.Body).Decode(&submitTestRequest); err != nil {
		logger.Error(errors.Wrap(err, "decode submit request"))
		JSON(w, 400, ErrorResponse{Error: "invalid request body"})
		return
	}
	if submitTestRequest.ImageURL == "" {
		JSON(w, 400, ErrorResponse{Error: "imageUrl is required"})
		return
	}

	accepted, id, err := s.scheduler.Submit(submitTestRequest.ImageURL, submitTestRequest.RequestedBy)
	if err != nil {
		logger.Error(errors.Wrap(err, "submit test"))
		JSON(w, 500, nil)
		return
	}

	submitTestResponse := SubmitTestResponse{
		ID:       id,
		Accepted: accepted,
	}
	if !accepted {
		// a matching request inside the dedup window already holds this id
		JSON(w, 409, submitTestResponse)
		return
	}

	JSON(w, 202, submitTestResponse)
}

func (s *Server) GetTest(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.GetRecord(mux.Vars(r)["testId"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			JSON(w, 404, ErrorResponse{Error: "test not found"})
			return
		}
		logger.Error(errors.Wrap(err, "get record"))
		JSON(w, 500, nil)
		return
	}

	JSON(w, 200, record)
}

// MarkTestReported flips the record's reported flag; the external reporting
// hook calls this after delivering the result. The only terminal-record
// mutation the API allows.
func (s *Server) MarkTestReported(w http.ResponseWriter, r *http.Request) {
	if err := s.store.MarkReported(mux.Vars(r)["testId"]); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			JSON(w, 404, ErrorResponse{Error: "test not found"})
			return
		}
		logger.Error(errors.Wrap(err, "mark reported"))
		JSON(w, 500, nil)
		return
	}
	w.WriteHeader(204)
}

type ListTestsResponse struct {
	Tests []*store.TestRecord `json:"tests"`
	Total int                 `json:"total"`
}

func (s *Server) ListTests(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListRecords()
	if err != nil {
		logger.Error(errors.Wrap(err, "list records"))
		JSON(w, 500, nil)
		return
	}

	JSON(w, 200, ListTestsResponse{
		Tests: records,
		Total: len(records),
	})
}

type QueueStatusResponse struct {
	IsIdle  int `json:"isIdle"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// QueueStatus reports isIdle as 0 or 1 so shell callers can use the value
// directly in test scripts.
func (s *Server) QueueStatus(w http.ResponseWriter, r *http.Request) {
	queued, err := s.store.ListQueued()
	if err != nil {
		logger.Error(errors.Wrap(err, "list queued"))
		JSON(w, 500, nil)
		return
	}
	running, err := s.store.ListRunning()
	if err != nil {
		logger.Error(errors.Wrap(err, "list running"))
		JSON(w, 500, nil)
		return
	}

	queueStatusResponse := QueueStatusResponse{
		Queued:  len(queued),
		Running: len(running),
	}
	if s.scheduler.IsIdle() {
		queueStatusResponse.IsIdle = 1
	}

	JSON(w, 200, queueStatusResponse)
}
