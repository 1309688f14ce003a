// Package api exposes the room snapshots and runtime settings over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Shiu/dynamic-presence/internal/dynpresence"
	"github.com/Shiu/dynamic-presence/internal/icons"
	"github.com/Shiu/dynamic-presence/internal/models"
	"github.com/Shiu/dynamic-presence/internal/style"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// RoomService is what the API needs from the app.
type RoomService interface {
	Snapshots() []dynpresence.Snapshot
	Snapshot(ref string) (dynpresence.Snapshot, error)
	SetSwitch(ref, key string, value bool) error
	SetNumber(ref, key string, value float64) error
	SetTime(ref, key, value string) error
}

// Server provides the HTTP endpoints.
type Server struct {
	rooms  RoomService
	server *http.Server
	pr     *log.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(addr string, rooms RoomService) *Server {
	s := &Server{
		rooms: rooms,
		pr:    models.Printer.WithPrefix(lipgloss.NewStyle().Foreground(style.HABlue).Faint(true).Render("API")),
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("GET /api/rooms/{room}", s.handleRoom)
	mux.HandleFunc("PUT /api/rooms/{room}/switches/{key}", s.handleSetSwitch)
	mux.HandleFunc("PUT /api/rooms/{room}/numbers/{key}", s.handleSetNumber)
	mux.HandleFunc("PUT /api/rooms/{room}/times/{key}", s.handleSetTime)

	return mux
}

// Start serves until Stop is called. It returns immediately.
func (s *Server) Start() {
	s.pr.Infof("%s listening on %s", icons.Radio, style.Bold(s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.pr.Errorf("%s server failed: %v", icons.RedCross, err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rooms.Snapshots())
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.rooms.Snapshot(r.PathValue("room"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleSetSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *bool `json:"value"`
	}

	if !s.decode(w, r, &body) {
		return
	}

	if body.Value == nil {
		s.writeError(w, fmt.Errorf("%w: missing value", models.ErrInvalidValue))

		return
	}

	s.respond(w, r, s.rooms.SetSwitch(r.PathValue("room"), r.PathValue("key"), *body.Value))
}

func (s *Server) handleSetNumber(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value *float64 `json:"value"`
	}

	if !s.decode(w, r, &body) {
		return
	}

	if body.Value == nil {
		s.writeError(w, fmt.Errorf("%w: missing value", models.ErrInvalidValue))

		return
	}

	s.respond(w, r, s.rooms.SetNumber(r.PathValue("room"), r.PathValue("key"), *body.Value))
}

func (s *Server) handleSetTime(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}

	if !s.decode(w, r, &body) {
		return
	}

	s.respond(w, r, s.rooms.SetTime(r.PathValue("room"), r.PathValue("key"), body.Value))
}

// respond writes the fresh snapshot of the room, or the error of the update.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.handleRoom(w, r)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(target); err != nil {
		s.writeError(w, fmt.Errorf("%w: %w", models.ErrInvalidValue, err))

		return false
	}

	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, models.ErrUnknownRoom):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrUnknownSwitch), errors.Is(err, models.ErrUnknownNumber), errors.Is(err, models.ErrUnknownTime):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidValue):
		status = http.StatusBadRequest
	}

	s.pr.Debugf("%s %d: %v", icons.RedCross, status, err)

	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.pr.Errorf("encoding response failed: %v", err)
	}
}
