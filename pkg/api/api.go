// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package api is the REST surface: mission CRUD, the command seam and the
// operational endpoints. It translates error kinds to HTTP statuses and owns
// no behavior of its own.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/skyfleet/mission-control/pkg/errors"
	"github.com/skyfleet/mission-control/pkg/mission"
	"github.com/skyfleet/mission-control/pkg/model"
	"github.com/skyfleet/mission-control/pkg/telemetry"
	"github.com/skyfleet/mission-control/pkg/util/log"
)

var tlmRequests = telemetry.NewCounter("api", "requests", []string{"route", "code"}, "API requests by route and status code")

// Coordinator is the mission surface the API fronts.
type Coordinator interface {
	Create(ctx context.Context, in mission.CreateInput) (*model.Mission, error)
	Get(ctx context.Context, id string) (*model.Mission, error)
	List(ctx context.Context, orgID string) ([]*model.Mission, error)
}

// Dispatcher is the command seam the API fronts.
type Dispatcher interface {
	Send(ctx context.Context, missionID string, action model.CommandAction, issuedBy string) (*model.Mission, error)
}

// Health reports component readiness for /healthz.
type Health func() error

// Server routes HTTP traffic to the pipeline components.
type Server struct {
	coord    Coordinator
	dispatch Dispatcher
	health   Health
	ws       http.Handler
	router   *mux.Router
}

// NewServer builds the router. ws and health may be nil.
func NewServer(coord Coordinator, dispatch Dispatcher, ws http.Handler, health Health) *Server {
	s := &Server{coord: coord, dispatch: dispatch, health: health, ws: ws, router: mux.NewRouter()}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", telemetry.Handler()).Methods(http.MethodGet)
	if ws != nil {
		s.router.Handle("/ws", ws)
	}

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/missions", s.handleCreateMission).Methods(http.MethodPost)
	apiRouter.HandleFunc("/missions", s.handleListMissions).Methods(http.MethodGet)
	apiRouter.HandleFunc("/missions/{id}", s.handleGetMission).Methods(http.MethodGet)
	apiRouter.HandleFunc("/missions/{id}/commands", s.handleCommand).Methods(http.MethodPost)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			writeError(w, "healthz", errors.Wrap(errors.KindTransport, err, "not ready"))
			return
		}
	}
	writeJSON(w, "healthz", http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateMission(w http.ResponseWriter, r *http.Request) {
	var in mission.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "create_mission", errors.Wrap(errors.KindValidation, err, "malformed mission request"))
		return
	}
	m, err := s.coord.Create(r.Context(), in)
	if err != nil {
		writeError(w, "create_mission", err)
		return
	}
	writeJSON(w, "create_mission", http.StatusCreated, m)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, "list_missions", errors.New(errors.KindValidation, "org_id is required"))
		return
	}
	missions, err := s.coord.List(r.Context(), orgID)
	if err != nil {
		writeError(w, "list_missions", err)
		return
	}
	if missions == nil {
		missions = []*model.Mission{}
	}
	writeJSON(w, "list_missions", http.StatusOK, missions)
}

func (s *Server) handleGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := s.coord.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, "get_mission", err)
		return
	}
	writeJSON(w, "get_mission", http.StatusOK, m)
}

type commandRequest struct {
	Action   model.CommandAction `json:"action"`
	IssuedBy string              `json:"issued_by"`
}

type commandResponse struct {
	Mission *model.Mission `json:"mission"`
}

// handleCommand blocks for the dispatch round trip; the drone's verdict is
// the response. Slow acks surface as 408 per the dispatcher timeout.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "command", errors.Wrap(errors.KindValidation, err, "malformed command request"))
		return
	}
	if !req.Action.IsValid() {
		writeError(w, "command", errors.Newf(errors.KindValidation, "unknown action %q", req.Action))
		return
	}
	m, err := s.dispatch.Send(r.Context(), mux.Vars(r)["id"], req.Action, req.IssuedBy)
	if err != nil {
		writeError(w, "command", err)
		return
	}
	writeJSON(w, "command", http.StatusOK, commandResponse{Mission: m})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, route string, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s: %v", route, err)
	}
	writeJSON(w, route, status, errorBody{Error: err.Error(), Kind: errors.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, route string, status int, v interface{}) {
	tlmRequests.Inc(route, strconv.Itoa(status))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("writing %s response: %v", route, err)
	}
}
