package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/stream"
)

// HealthResponse reports relay liveness and load
type HealthResponse struct {
	Status          string `json:"status"`
	ServerID        uint64 `json:"server_id"`
	ReadOnly        bool   `json:"readonly"`
	Streams         int    `json:"streams"`
	Sources         int    `json:"sources"`
	InflightPackets int64  `json:"inflight_packets"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	streams, sources := h.registry.Counts()
	writeJSONResponse(w, HealthResponse{
		Status:          "ok",
		ServerID:        h.serverID,
		ReadOnly:        h.readOnly,
		Streams:         streams,
		Sources:         sources,
		InflightPackets: h.registry.InflightPackets(),
	})
}

func (h *Handlers) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.registry.Snapshot())
}

func (h *Handlers) handleGetStream(w http.ResponseWriter, r *http.Request) {
	clientID := stream.ClientID(chi.URLParam(r, "clientID"))
	sub, ok := h.registry.Subscription(clientID)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "stream not found: "+string(clientID))
		return
	}
	writeJSONResponse(w, sub)
}

// handleDeleteStream tears a subscription down; the client sees its connection close
// and reconnects on its own schedule
func (h *Handlers) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	clientID := stream.ClientID(chi.URLParam(r, "clientID"))
	if !h.registry.Teardown(clientID) {
		writeErrorResponse(w, http.StatusNotFound, "stream not found: "+string(clientID))
		return
	}
	log.Info().Str("client_id", string(clientID)).Str("remote", r.RemoteAddr).Msg("Stream removed via admin API")
	w.WriteHeader(http.StatusNoContent)
}
