package introspect

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/audit"
	"github.com/fpemud/selfnetd/internal/module"
)

// Queries is the read-only slice of the Local Manager's observer contract
// this surface exposes: getLocalInfo, getWorkState,
// getModuleKeys, getModuleState.
type Queries interface {
	GetLocalInfo() (*module.SysInfo, error)
	GetWorkState() module.WorkState
	GetModuleKeys() []module.Identity
	GetModuleState(id module.Identity) (state module.State, failMessage string, ok bool)
}

// AuditQueries is the read-back side of the audit trail this surface
// exposes. Implemented by *audit.Logger.
type AuditQueries interface {
	History(peerName, userName, moduleName string, limit int) ([]audit.Event, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the HTTP+websocket front end modulectl talks to. It never
// mutates the manager; every route is a read of Queries or a subscription
// to the Hub.
type Server struct {
	q     Queries
	hub   *Hub
	audit AuditQueries
	mux   *mux.Router
}

// NewServer builds a Server and registers its routes. hub may be nil if
// the watch endpoint is not needed; audit may be nil if the history
// endpoints are not needed (e.g. no audit trail was opened).
func NewServer(q Queries, hub *Hub, audit AuditQueries) *Server {
	s := &Server{q: q, hub: hub, audit: audit, mux: mux.NewRouter()}

	s.mux.HandleFunc("/v1/info", s.handleInfo).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/workstate", s.handleWorkState).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/modules", s.handleModules).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/modules/{peer}/{module}", s.handleModuleState).Methods(http.MethodGet)
	s.mux.HandleFunc("/v1/modules/{peer}/{user}/{module}", s.handleModuleState).Methods(http.MethodGet)
	if hub != nil {
		s.mux.HandleFunc("/v1/watch", s.handleWatch)
	}
	if audit != nil {
		s.mux.HandleFunc("/v1/history/{peer}/{module}", s.handleHistory).Methods(http.MethodGet)
		s.mux.HandleFunc("/v1/history/{peer}/{user}/{module}", s.handleHistory).Methods(http.MethodGet)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type sysInfoDTO struct {
	Users   []string          `json:"users"`
	Modules []module.ModuleKey `json:"modules"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.q.GetLocalInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sysInfoDTO{Users: info.SortedUsers(), Modules: info.SortedModules()})
}

func (s *Server) handleWorkState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"workState": s.q.GetWorkState().String()})
}

type moduleKeyDTO struct {
	PeerName   string `json:"peerName"`
	UserName   string `json:"userName,omitempty"`
	ModuleName string `json:"moduleName"`
	State      string `json:"state"`
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	keys := s.q.GetModuleKeys()
	out := make([]moduleKeyDTO, 0, len(keys))
	for _, id := range keys {
		state, _, ok := s.q.GetModuleState(id)
		if !ok {
			continue
		}
		out = append(out, moduleKeyDTO{PeerName: id.PeerName, UserName: id.UserName, ModuleName: id.ModuleName, State: state.String()})
	}
	writeJSON(w, out)
}

type moduleStateDTO struct {
	State       string `json:"state"`
	FailMessage string `json:"failMessage,omitempty"`
}

func (s *Server) handleModuleState(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := module.Identity{PeerName: vars["peer"], UserName: vars["user"], ModuleName: vars["module"]}

	state, failMessage, ok := s.q.GetModuleState(id)
	if !ok {
		http.Error(w, "no such module instance", http.StatusNotFound)
		return
	}
	writeJSON(w, moduleStateDTO{State: state.String(), FailMessage: failMessage})
}

type auditEventDTO struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Detail    string `json:"detail"`
}

// handleHistory serves the audit trail's read-back side: every recorded
// state transition for one module instance key, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.audit.History(vars["peer"], vars["user"], vars["module"], limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]auditEventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, auditEventDTO{Timestamp: ev.Timestamp.Format(time.RFC3339), Action: ev.Action, Detail: ev.Detail})
	}
	writeJSON(w, out)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("introspect: websocket upgrade: %v", err)
		return
	}
	s.hub.Register(conn)

	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("introspect: encoding response: %v", err)
	}
}
