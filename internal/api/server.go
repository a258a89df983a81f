package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banana-clicker/backend/internal/auth"
	"github.com/banana-clicker/backend/internal/store"
)

// UserStore is the slice of the record store the HTTP API needs.
type UserStore interface {
	CreateUser(ctx context.Context, nu store.NewUser) (*store.User, error)
	GetByEmail(ctx context.Context, email string) (*store.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	List(ctx context.Context) ([]*store.User, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetBlocked(ctx context.Context, id uuid.UUID, blocked bool) (*store.User, error)
}

// TokenMinter issues a bearer credential for a user id.
type TokenMinter interface {
	Mint(userID uuid.UUID) (string, error)
}

// Announcer publishes the first-registration event to connected clients.
type Announcer interface {
	UserJoined(u *store.User)
	ClientCount() int
}

// SessionCounter reports live session counts for the health endpoint.
type SessionCounter interface {
	ActiveSessions() int
}

type Server struct {
	users    UserStore
	minter   TokenMinter
	verifier auth.Verifier
	announce Announcer
	sessions SessionCounter
	log      *zap.Logger
}

func NewServer(users UserStore, minter TokenMinter, verifier auth.Verifier, announce Announcer, sessions SessionCounter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		users:    users,
		minter:   minter,
		verifier: verifier,
		announce: announce,
		sessions: sessions,
		log:      log,
	}
}

// Routes builds the HTTP API. The websocket endpoint is mounted separately
// by main so the gateway stays independent of the REST surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(s.log))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)
		r.Get("/health", s.handleHealth)

		r.Route("/users", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/", s.handleListUsers)
			r.Delete("/{userID}", s.handleDeleteUser)
			r.Patch("/{userID}/block", s.handleBlockUser)
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}
