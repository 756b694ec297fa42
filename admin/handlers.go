package admin

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/cdcrelay/stream"
)

// Registry is the view of stream.Registry the admin API needs
type Registry interface {
	Snapshot() []stream.Subscription
	Subscription(clientID stream.ClientID) (stream.Subscription, bool)
	Teardown(clientID stream.ClientID) bool
	Counts() (streams, sources int)
	InflightPackets() int64
}

// Handlers serves the admin API endpoints
type Handlers struct {
	registry Registry
	serverID uint64
	readOnly bool
}

// NewHandlers creates admin handlers over registry
func NewHandlers(registry Registry, serverID uint64, readOnly bool) *Handlers {
	return &Handlers{
		registry: registry,
		serverID: serverID,
		readOnly: readOnly,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
