package main

import (
	"context"
	"net/http"
	"time"

	"github.com/darkden-lab/notifyd/internal/broker"
	"github.com/darkden-lab/notifyd/internal/httputil"
	"github.com/darkden-lab/notifyd/internal/registry"
)

type linkStatus interface {
	Status() broker.Status
}

type registryStats interface {
	Stats() registry.Stats
}

type pinger interface {
	Ping(ctx context.Context) error
}

type brokerHealth struct {
	State     string `json:"state"`
	Attempt   uint   `json:"attempt,omitempty"`
	Exhausted bool   `json:"exhausted,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type healthResponse struct {
	Status   string         `json:"status"`
	Broker   brokerHealth   `json:"broker"`
	Database string         `json:"database"`
	Push     registry.Stats `json:"push"`
}

// healthzHandler reports 200 while both the broker link and the database
// are up, and 503 otherwise.
func healthzHandler(link linkStatus, reg registryStats, db pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := link.Status()
		resp := healthResponse{
			Status: "ok",
			Broker: brokerHealth{
				State:     st.State.String(),
				Attempt:   st.Attempt,
				Exhausted: st.Exhausted,
			},
			Database: "ok",
			Push:     reg.Stats(),
		}
		if st.LastError != nil {
			resp.Broker.LastError = st.LastError.Error()
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			resp.Database = "unreachable"
			resp.Status = "degraded"
		}
		if st.State != broker.StateConnected {
			resp.Status = "degraded"
		}

		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, resp)
	}
}
