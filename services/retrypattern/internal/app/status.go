// services/retrypattern/internal/app/status.go
package app

import (
	"encoding/json"
	"net/http"

	"github.com/YaganovValera/retry-pattern/services/retrypattern/internal/subscriber"
)

// StatsPath: служебный endpoint с состоянием цикла.
const StatsPath = "/stats"

type statusReport struct {
	Mode       string            `json:"mode"`
	ProducerID string            `json:"producer_id,omitempty"`
	Produced   *ProduceSummary   `json:"produced,omitempty"`
	State      string            `json:"state,omitempty"`
	Consumed   *subscriber.Stats `json:"consumed,omitempty"`
}

// statusHandler отдаёт JSON-снимок, собранный report на каждый запрос.
func statusHandler(report func() statusReport) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report())
	})
}
