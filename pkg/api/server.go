// Package api exposes the HTTP surface of the service. Handlers only
// validate, enqueue intents on the controller and report; every state
// transition happens inside the controller tick.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cms-pdmv/gridpack-machine/pkg/config"
	"github.com/cms-pdmv/gridpack-machine/pkg/controller"
	"github.com/cms-pdmv/gridpack-machine/pkg/log"
	"github.com/cms-pdmv/gridpack-machine/pkg/metrics"
	"github.com/cms-pdmv/gridpack-machine/pkg/template"
	"github.com/cms-pdmv/gridpack-machine/pkg/types"
	"github.com/cms-pdmv/gridpack-machine/pkg/user"
)

// Server wires the HTTP routes over the controller
type Server struct {
	cfg        *config.Config
	controller *controller.Controller
	templates  *template.Repository
	router     *mux.Router
	httpServer *http.Server
	logger     zerolog.Logger

	// NotifyTick releases the scheduler wait so enqueued intents are
	// processed promptly
	NotifyTick func()
}

// NewServer builds the server and registers every route
func NewServer(cfg *config.Config, ctrl *controller.Controller,
	templates *template.Repository) *Server {

	s := &Server{
		cfg:        cfg,
		controller: ctrl,
		templates:  templates,
		router:     mux.NewRouter(),
		logger:     log.WithComponent("api"),
		NotifyTick: func() {},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.observe)

	api.HandleFunc("/create", s.authorized(s.handleCreate(false))).Methods(http.MethodPut)
	api.HandleFunc("/create_approve", s.authorized(s.handleCreate(true))).Methods(http.MethodPut)
	api.HandleFunc("/approve", s.authorized(s.handleApprove)).Methods(http.MethodPost)
	api.HandleFunc("/reset", s.authorized(s.handleReset)).Methods(http.MethodPost)
	api.HandleFunc("/create_request", s.authorized(s.handleCreateRequest)).Methods(http.MethodPost)
	api.HandleFunc("/mcm", s.authorized(s.handleForceRequest)).Methods(http.MethodPost)
	api.HandleFunc("/delete", s.authorized(s.handleDelete)).Methods(http.MethodDelete)
	api.HandleFunc("/get", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/get_fragment/{gridpack_id}", s.handleFragment).Methods(http.MethodGet)
	api.HandleFunc("/get_run_card/{gridpack_id}", s.handleRunCard).Methods(http.MethodGet)
	api.HandleFunc("/get_customize_card/{gridpack_id}", s.handleCustomizeCard).Methods(http.MethodGet)
	api.HandleFunc("/tick", s.authorized(s.handleTick)).Methods(http.MethodGet)
	api.HandleFunc("/tick_repository", s.authorized(s.handleRepositoryTick)).Methods(http.MethodGet)
	api.HandleFunc("/system_info", s.handleSystemInfo).Methods(http.MethodGet)
	api.HandleFunc("/user", s.handleUser).Methods(http.MethodGet)

	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Start runs the HTTP server until it is shut down
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	return s.httpServer.ListenAndServe()
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// statusRecorder captures the response code for the request metric
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method,
			strconv.Itoa(recorder.status)).Inc()
	})
}

// authorized rejects requests whose user lacks an authorized role
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := user.FromHeaders(r.Header, s.cfg.AuthorizedRoles())
		if !u.Authorized {
			s.message(w, http.StatusForbidden,
				"You are not allowed to perform this action")
			return
		}
		next(w, r)
	}
}

func (s *Server) requestUser(r *http.Request) user.User {
	return user.FromHeaders(r.Header, s.cfg.AuthorizedRoles())
}

func (s *Server) message(w http.ResponseWriter, status int, format string, args ...any) {
	s.respond(w, status, map[string]any{"message": fmt.Sprintf(format, args...)})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) text(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// gridpackID extracts the target gridpack from the query string
func gridpackID(r *http.Request) string {
	return r.URL.Query().Get("gridpack_id")
}

// handleCreate stores a new gridpack, optionally approving it in the
// same call
func (s *Server) handleCreate(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var doc types.Gridpack
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			s.message(w, http.StatusBadRequest, "invalid gridpack document: %s", err)
			return
		}

		id, err := s.controller.Create(&doc, s.requestUser(r))
		if err != nil {
			s.message(w, http.StatusBadRequest, "%s", err)
			return
		}

		if approve {
			if err := s.controller.Approve(id); err != nil {
				s.message(w, http.StatusBadRequest, "%s", err)
				return
			}
		}

		s.NotifyTick()
		s.message(w, http.StatusOK, "%s", id)
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := gridpackID(r)
	if id == "" {
		s.message(w, http.StatusBadRequest, "gridpack_id is required")
		return
	}
	if err := s.controller.Approve(id); err != nil {
		s.message(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.NotifyTick()
	s.message(w, http.StatusOK, "Gridpack %s will be approved", id)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := gridpackID(r)
	if id == "" {
		s.message(w, http.StatusBadRequest, "gridpack_id is required")
		return
	}
	s.controller.Reset(id)
	s.NotifyTick()
	s.message(w, http.StatusOK, "Gridpack %s will be reset", id)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	id := gridpackID(r)
	if id == "" {
		s.message(w, http.StatusBadRequest, "gridpack_id is required")
		return
	}
	s.controller.CreateRequest(id)
	s.NotifyTick()
	s.message(w, http.StatusOK, "A request will be created for gridpack %s", id)
}

func (s *Server) handleForceRequest(w http.ResponseWriter, r *http.Request) {
	id := gridpackID(r)
	if id == "" {
		s.message(w, http.StatusBadRequest, "gridpack_id is required")
		return
	}
	if err := s.controller.ForceRequest(id); err != nil {
		s.message(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.message(w, http.StatusOK, "A request was forced for gridpack %s", id)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := gridpackID(r)
	if id == "" {
		s.message(w, http.StatusBadRequest, "gridpack_id is required")
		return
	}
	s.controller.Delete(id)
	s.NotifyTick()
	s.message(w, http.StatusOK, "Gridpack %s will be deleted", id)
}

// handleGet serves one gridpack by id or a sorted page of all of them
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if id := query.Get("_id"); id != "" {
		doc, err := s.controller.Get(id)
		if err != nil {
			s.message(w, http.StatusBadRequest, "%s", err)
			return
		}
		if doc == nil {
			s.message(w, http.StatusNotFound, "Gridpack %s does not exist", id)
			return
		}
		s.respond(w, http.StatusOK, doc)
		return
	}

	page, _ := strconv.Atoi(query.Get("page"))
	limit, err := strconv.Atoi(query.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	docs, total, err := s.controller.List(page, limit)
	if err != nil {
		s.message(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"gridpacks": docs,
		"total":     total,
	})
}

func (s *Server) handleFragment(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, mux.Vars(r)["gridpack_id"], s.controller.FragmentText)
}

func (s *Server) handleRunCard(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, mux.Vars(r)["gridpack_id"], s.controller.RunCard)
}

func (s *Server) handleCustomizeCard(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, mux.Vars(r)["gridpack_id"], s.controller.CustomizeCard)
}

func (s *Server) serveArtifact(w http.ResponseWriter, id string,
	render func(string) (string, error)) {

	doc, err := s.controller.Get(id)
	if err != nil {
		s.message(w, http.StatusBadRequest, "%s", err)
		return
	}
	if doc == nil {
		s.message(w, http.StatusNotFound, "Gridpack %s does not exist", id)
		return
	}

	content, err := render(id)
	if err != nil {
		s.message(w, http.StatusBadRequest, "%s", err)
		return
	}
	s.text(w, content)
}

func (s *Server) handleTick(w http.ResponseWriter, _ *http.Request) {
	go s.controller.Tick()
	s.message(w, http.StatusOK, "Tick started")
}

func (s *Server) handleRepositoryTick(w http.ResponseWriter, _ *http.Request) {
	go func() {
		if err := s.templates.Refresh(false); err != nil {
			s.logger.Error().Err(err).Msg("Repository refresh failed")
		}
	}()
	s.message(w, http.StatusOK, "Repository refresh started")
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	tree := s.templates.Tree()
	s.respond(w, http.StatusOK, map[string]any{
		"campaigns": tree.Campaigns,
		"cards":     tree.Cards,
		"branches":  tree.Branches,
		"tunes":     tree.Tunes,
		"last_tick": s.controller.LastTick(),
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	u := s.requestUser(r)
	s.respond(w, http.StatusOK, map[string]any{
		"username":   u.Username,
		"name":       u.Name,
		"email":      u.Email,
		"authorized": u.Authorized,
	})
}
