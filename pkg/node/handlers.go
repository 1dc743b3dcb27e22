package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Healthz returns 200 OK while the registry loop is accepting work.
func (n *Node) Healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := n.reg.Stats(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time and registry counters.
func (n *Node) Info(w http.ResponseWriter, r *http.Request) {
	st, err := n.reg.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	type resp struct {
		ID       string    `json:"id"`
		Addr     string    `json:"addr"`
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		Members  int       `json:"members"`
		NextRank int64     `json:"next_rank"`
		Clock    int64     `json:"clock"`
	}
	data, err := json.Marshal(resp{
		ID:       n.id,
		Addr:     n.addr,
		PID:      os.Getpid(),
		Now:      time.Now(),
		Members:  st.Members,
		NextRank: st.NextRank,
		Clock:    st.Clock,
	})
	if err != nil {
		n.logger.Error("cannot encode info", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
