package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

// Scheduler is the queue surface the API needs.
type Scheduler interface {
	Submit(imageURL, requestedBy string) (bool, string, error)
	IsIdle() bool
}

type Server struct {
	store     store.Store
	scheduler Scheduler
}

func New(recordStore store.Store, scheduler Scheduler) *Server {
	return &Server{
		store:     recordStore,
		scheduler: scheduler,
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.Healthz).Methods("GET")

	r.HandleFunc("/v1/test", s.SubmitTest).Methods("POST")
	r.HandleFunc("/v1/test/{testId}", s.GetTest).Methods("GET")
	r.HandleFunc("/v1/test/{testId}/reported", s.MarkTestReported).Methods("POST")
	r.HandleFunc("/v1/tests", s.ListTests).Methods("GET")
	r.HandleFunc("/v1/queue/status", s.QueueStatus).Methods("GET")

	return r
}

// Run serves the API until the process exits.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	logger.Info("starting api server", zap.String("addr", addr))

	return srv.ListenAndServe()
}
