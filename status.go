package relayd

import (
	"encoding/json"
	"net/http"

	"pkt.systems/relayd/internal/core"
	"pkt.systems/relayd/internal/health"
	"pkt.systems/relayd/internal/version"
)

// Status is the document served on /status.
type Status struct {
	Version      string        `json:"version"`
	Clients      int           `json:"clients"`
	GuardTracked int           `json:"guard_tracked"`
	Groups       []GroupStatus `json:"groups"`
}

// GroupStatus reports one server group.
type GroupStatus struct {
	Name    string         `json:"name"`
	Servers []ServerStatus `json:"servers"`
}

// ServerStatus reports one backend server and its connection slots.
type ServerStatus struct {
	health.Status
	Conns []core.ConnSnapshot `json:"conns"`
}

// Status returns a point-in-time view of every backend connection.
func (s *Server) Status() Status {
	st := Status{
		Version:      version.Current(),
		Clients:      s.clients.Active(),
		GuardTracked: s.guard.Tracked(),
		Groups:       make([]GroupStatus, 0, len(s.groups)),
	}
	for _, g := range s.groups {
		gs := GroupStatus{Name: g.Name()}
		for _, srv := range g.Servers() {
			ss := ServerStatus{Status: s.health.Status(srv)}
			for _, sc := range srv.Conns() {
				ss.Conns = append(ss.Conns, sc.Snapshot())
			}
			gs.Servers = append(gs.Servers, ss)
		}
		st.Groups = append(st.Groups, gs)
	}
	return st
}

func (s *Server) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.Status()); err != nil {
			s.logger.Warn("relayd.status.encode_failed", "error", err)
		}
	})
}
