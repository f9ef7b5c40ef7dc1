package pool

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// clientStatus is the wire shape for one row of the introspection endpoint.
type clientStatus struct {
	ID         string `json:"id"`
	Online     bool   `json:"online"`
	Locked     bool   `json:"locked"`
	QueueDepth int    `json:"queueDepth"`
}

// ServeStatus returns a gorilla/mux router serving the dispatcher's
// read-only introspection endpoint (SPEC_FULL.md §4.4). It is an observer
// on top of Snapshot and QueueLen: mounting it never
// participates in selection or locking, and it is disabled unless the
// caller wires it into their own server.
func (p *Pool) ServeStatus() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", p.handleStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/status/{clientId}", p.handleStatusOne).Methods(http.MethodGet)
	return r
}

func (p *Pool) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	snap := p.Snapshot()
	out := make([]clientStatus, 0, len(snap))
	queueDepth := p.QueueLen()
	for _, st := range snap {
		if st.ID == "" {
			continue // tombstoned slot
		}
		out = append(out, clientStatus{ID: st.ID, Online: st.Online, Locked: st.Locked, QueueDepth: st.QueueDepth})
	}
	writeJSON(w, map[string]any{"clients": out, "queueDepth": queueDepth})
}

func (p *Pool) handleStatusOne(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["clientId"]
	for _, st := range p.Snapshot() {
		if st.ID == id {
			writeJSON(w, clientStatus{ID: st.ID, Online: st.Online, Locked: st.Locked, QueueDepth: st.QueueDepth})
			return
		}
	}
	http.Error(w, "client not found", http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// QueueLen returns the number of jobs currently waiting for a client.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
