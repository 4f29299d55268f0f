package web

import (
	"encoding/json"
	"net/http"

	"github.com/mesraekuiti/ozone-machine/internal/machine"
)

// maxCounter caps edited counter values. The backend stores counters as the
// same width, so anything above this is a typo, not a reading.
const maxCounter = 999999

// countersRequest is the POST /counters body. Absent fields keep their
// current value.
type countersRequest struct {
	Basic    *int64 `json:"basic"`
	Standard *int64 `json:"standard"`
	Premium  *int64 `json:"premium"`
}

// countersResponse echoes the values actually stored.
type countersResponse struct {
	Basic    uint32 `json:"basic"`
	Standard uint32 `json:"standard"`
	Premium  uint32 `json:"premium"`
}

func clampCounter(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > maxCounter {
		return maxCounter
	}
	return uint32(v)
}

func (s *Server) handleCounters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.setCounters == nil {
		http.Error(w, "counter editing disabled", http.StatusForbidden)
		return
	}

	var req countersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	cur := s.tracker.Snapshot().Counters
	next := machine.Counters{
		Basic:    cur.Basic,
		Standard: cur.Standard,
		Premium:  cur.Premium,
	}
	if req.Basic != nil {
		next.Basic = clampCounter(*req.Basic)
	}
	if req.Standard != nil {
		next.Standard = clampCounter(*req.Standard)
	}
	if req.Premium != nil {
		next.Premium = clampCounter(*req.Premium)
	}

	stored, err := s.setCounters(next)
	if err != nil {
		http.Error(w, "set counters: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(countersResponse{
		Basic:    stored.Basic,
		Standard: stored.Standard,
		Premium:  stored.Premium,
	})
}
