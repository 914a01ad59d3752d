// Package status is read-only HTTP view of running relay.
//
//	GET /status                    queue depth, worker counters, connectivity
//	GET /telemetry/recent?limit=N  newest stored rows
package status

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/temoto/fire-relay/helpers/cacheval"
	"github.com/temoto/fire-relay/internal/relay"
	"github.com/temoto/fire-relay/internal/telemetry"
	"github.com/temoto/fire-relay/log2"
)

const (
	storeCheckValid   = 5 * time.Second
	storeCheckTimeout = 2 * time.Second
	maxRecentLimit    = 1000
)

type Config struct {
	// Listen address, example: 127.0.0.1:8080. Empty disables status server.
	Listen string `hcl:"listen"`
}

type Connector interface{ IsConnected() bool }

type RecentReader interface {
	Recent(ctx context.Context, limit int) ([]telemetry.Row, error)
}

type Deps struct {
	Version string
	Queue   interface{ Len() int }
	Worker  interface{ Stats() relay.Stats }
	Local   Connector
	Cloud   Connector
	Store   RecentReader
}

type Report struct {
	Version        string      `json:"version"`
	QueueLen       int         `json:"queue_len"`
	Worker         relay.Stats `json:"worker"`
	LocalConnected bool        `json:"local_connected"`
	CloudConnected bool        `json:"cloud_connected"`
	StoreOk        bool        `json:"store_ok"`
}

type Server struct {
	log     *log2.Log
	deps    Deps
	router  *mux.Router
	srv     *http.Server
	storeOk cacheval.Int32
}

func NewServer(log *log2.Log, deps Deps) *Server {
	self := &Server{log: log, deps: deps}
	self.storeOk.Init(storeCheckValid)
	self.router = mux.NewRouter()
	self.router.HandleFunc("/status", self.handleStatus).Methods(http.MethodGet)
	self.router.HandleFunc("/telemetry/recent", self.handleRecent).Methods(http.MethodGet)
	return self
}

func (self *Server) Handler() http.Handler { return self.router }

// Start listens on addr and serves in background. Returns bound address.
func (self *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", errors.Annotatef(err, "status listen=%s", addr)
	}
	self.srv = &http.Server{
		Handler:           self.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := self.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			self.log.Errorf("status serve err=%v", err)
		}
	}()
	self.log.Infof("status listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

func (self *Server) Close(ctx context.Context) error {
	if self == nil || self.srv == nil {
		return nil
	}
	return errors.Annotate(self.srv.Shutdown(ctx), "status shutdown")
}

func (self *Server) Report(ctx context.Context) Report {
	r := Report{Version: self.deps.Version}
	if self.deps.Queue != nil {
		r.QueueLen = self.deps.Queue.Len()
	}
	if self.deps.Worker != nil {
		r.Worker = self.deps.Worker.Stats()
	}
	if self.deps.Local != nil {
		r.LocalConnected = self.deps.Local.IsConnected()
	}
	if self.deps.Cloud != nil {
		r.CloudConnected = self.deps.Cloud.IsConnected()
	}
	r.StoreOk = self.storeOk.GetOrUpdate(func() { self.checkStore(ctx) }) == 1
	return r
}

func (self *Server) checkStore(ctx context.Context) {
	if self.deps.Store == nil {
		self.storeOk.Set(0)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeCheckTimeout)
	defer cancel()
	if _, err := self.deps.Store.Recent(ctx, 1); err != nil {
		self.log.Errorf("status store check err=%v", err)
		self.storeOk.Set(0)
		return
	}
	self.storeOk.Set(1)
}

func (self *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	self.writeJSON(w, http.StatusOK, self.Report(r.Context()))
}

func (self *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	if self.deps.Store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	rows, err := self.deps.Store.Recent(r.Context(), limit)
	if err != nil {
		self.log.Errorf("status recent err=%v", errors.ErrorStack(err))
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []telemetry.Row{}
	}
	self.writeJSON(w, http.StatusOK, rows)
}

func (self *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		self.log.Errorf("status encode err=%v", err)
	}
}
