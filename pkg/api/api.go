// Package api serves login, collection reads and writes, and presence over
// HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mahaj/critica-chat/pkg/auth"
	"github.com/mahaj/critica-chat/pkg/broker"
	"github.com/mahaj/critica-chat/pkg/model"
	"github.com/mahaj/critica-chat/pkg/presence"
	"github.com/mahaj/critica-chat/pkg/store"
)

// maxRecordSize bounds POST bodies.
const maxRecordSize = 64 << 10

type Server struct {
	users    *auth.Directory
	issuer   *auth.Issuer
	store    store.Store
	events   broker.Publisher
	presence presence.Tracker
	log      zerolog.Logger
}

func New(users *auth.Directory, issuer *auth.Issuer, st store.Store, events broker.Publisher, tracker presence.Tracker, log zerolog.Logger) *Server {
	return &Server{
		users:    users,
		issuer:   issuer,
		store:    st,
		events:   events,
		presence: tracker,
		log:      log,
	}
}

// Router mounts every endpoint under /api.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(CORSMiddleware)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)

	protected := api.NewRoute().Subrouter()
	protected.Use(auth.Middleware(s.issuer, s.log))
	protected.HandleFunc("/collections/{collection}", s.handleList).Methods(http.MethodGet)
	protected.HandleFunc("/collections/{collection}", s.handleInsert).Methods(http.MethodPost)
	protected.HandleFunc("/presence/{collection}", s.handlePresence).Methods(http.MethodGet)

	return r
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, "username and password are required", http.StatusBadRequest)
		return
	}

	user, err := s.users.Authenticate(req.Username, req.Password)
	if err != nil {
		s.log.Info().Str("username", req.Username).Msg("login rejected")
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := s.issuer.GenerateToken(user)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to sign token")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	s.log.Info().Str("user_id", user.ID).Msg("login")
	writeJSON(w, http.StatusOK, model.LoginResponse{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
		Roles:    user.Roles,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	records, err := s.store.List(r.Context(), collection)
	if err != nil {
		s.log.Error().Err(err).Str("collection", collection).Msg("failed to list records")
		http.Error(w, "Failed to retrieve collection", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	var msg model.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordSize)).Decode(&msg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(msg.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	rec, err := s.store.Insert(r.Context(), collection, model.Record{ID: msg.ID, Data: msg.Data()})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		http.Error(w, "record already exists", http.StatusConflict)
		return
	case err != nil:
		s.log.Error().Err(err).Str("collection", collection).Msg("failed to insert record")
		http.Error(w, "Failed to store record", http.StatusInternalServerError)
		return
	}

	ev := model.Event{Type: model.EventCreate, Collection: collection, Document: rec}
	if err := s.events.Publish(r.Context(), ev); err != nil {
		// The record is stored; live subscribers will see it on their next
		// history fetch.
		s.log.Error().Err(err).Str("collection", collection).Str("id", rec.ID).Msg("failed to publish event")
	}

	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	collection := mux.Vars(r)["collection"]

	users, err := s.presence.Members(r.Context(), collection)
	if err != nil {
		s.log.Error().Err(err).Str("collection", collection).Msg("failed to fetch presence")
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, users)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
