package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/user/secret-sync-lite/internal/interfaces"
	"github.com/user/secret-sync-lite/internal/reconciler"
	"github.com/user/secret-sync-lite/internal/scheduler"
)

// Server exposes the management HTTP API for SecretSpecs: register, list
// sync states, and unregister.
type Server struct {
	reconciler *reconciler.Reconciler
	scheduler  *scheduler.Scheduler
	router     *http.ServeMux
	httpServer *http.Server
}

// NewServer creates a new Server instance and sets up its routes.
func NewServer(rec *reconciler.Reconciler, sched *scheduler.Scheduler) *Server {
	s := &Server{
		reconciler: rec,
		scheduler:  sched,
		router:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("POST /specs", s.handleRegisterSpec())
	s.router.HandleFunc("GET /specs", s.handleListSpecs())
	s.router.HandleFunc("GET /specs/{id}", s.handleGetSpec())
	s.router.HandleFunc("DELETE /specs/{id}", s.handleUnregisterSpec())
}

// Start begins listening for HTTP requests on the given address. It blocks
// until the server stops.
func (s *Server) Start(address string) error {
	log.Printf("HTTP server starting on %s", address)
	s.httpServer = &http.Server{Addr: address, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Println("HTTP server stopping...")
	return s.httpServer.Shutdown(ctx)
}

// handleRegisterSpec handles requests to register a new SecretSpec.
// The spec ID is assigned server-side; a duplicate (namespace, name) target
// is rejected with 409.
func (s *Server) handleRegisterSpec() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec interfaces.SecretSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			log.Printf("Error decoding request body: %v", err)
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		if spec.Provider == "" {
			http.Error(w, "Provider is required", http.StatusBadRequest)
			return
		}
		if spec.RemoteKey == "" {
			http.Error(w, "RemoteKey is required", http.StatusBadRequest)
			return
		}
		if spec.Namespace == "" {
			http.Error(w, "Namespace is required", http.StatusBadRequest)
			return
		}
		if spec.Name == "" {
			http.Error(w, "Name is required", http.StatusBadRequest)
			return
		}
		if spec.RefreshIntervalSeconds < 0 {
			http.Error(w, "RefreshIntervalSeconds must not be negative", http.StatusBadRequest)
			return
		}

		spec.ID = uuid.NewString()
		log.Printf("Generated new SecretSpec ID: %s for target %s/%s", spec.ID, spec.Namespace, spec.Name)

		if _, err := s.reconciler.Register(spec); err != nil {
			if errors.Is(err, reconciler.ErrDuplicateSpec) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			log.Printf("Error registering spec %s: %v", spec.ID, err)
			http.Error(w, fmt.Sprintf("Failed to register spec: %v", err), http.StatusBadRequest)
			return
		}
		s.scheduler.Schedule(spec.ID, time.Now())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		response := map[string]string{"id": spec.ID, "message": "SecretSpec registered successfully"}
		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.Printf("Error encoding success response for spec ID %s: %v", spec.ID, err)
		}
	}
}

// handleListSpecs returns the SyncState snapshot of every registered spec.
func (s *Server) handleListSpecs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := s.reconciler.States()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(states); err != nil {
			log.Printf("Error encoding spec list response: %v", err)
		}
	}
}

// handleGetSpec returns the SyncState snapshot for one spec ID.
func (s *Server) handleGetSpec() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		state, ok := s.reconciler.State(id)
		if !ok {
			http.Error(w, "Spec not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(state); err != nil {
			log.Printf("Error encoding spec response for ID %s: %v", id, err)
		}
	}
}

// handleUnregisterSpec unregisters a spec. Idempotent: unknown IDs also
// return 204.
func (s *Server) handleUnregisterSpec() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s.reconciler.Unregister(id)
		w.WriteHeader(http.StatusNoContent)
	}
}
