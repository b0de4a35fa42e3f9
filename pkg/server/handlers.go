package server

import (
	"encoding/json"
	"net/http"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
)

func JSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error(err)
		w.WriteHeader(500)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthzResponse struct {
	IsAlive bool `json:"is_alive"`
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	JSON(w, 200, HealthzResponse{IsAlive: true})
}
