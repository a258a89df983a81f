package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/banana-clicker/backend/internal/auth"
	"github.com/banana-clicker/backend/internal/store"
)

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  *store.User `json:"user"`
	Token string      `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "Email and password are required")
		return
	}
	if !emailRe.MatchString(req.Email) {
		respondError(w, http.StatusBadRequest, "Invalid email format")
		return
	}
	if len(req.Password) < 6 {
		respondError(w, http.StatusBadRequest, "Password must be at least 6 characters long")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error("hash password", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	u, err := s.users.CreateUser(r.Context(), store.NewUser{
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			respondError(w, http.StatusBadRequest, "User already exists")
			return
		}
		s.log.Error("create user", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	token, err := s.minter.Mint(u.ID)
	if err != nil {
		s.log.Error("mint token", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	s.announce.UserJoined(u)
	respondJSON(w, http.StatusCreated, authResponse{User: u, Token: token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	u, err := s.users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Same response as a wrong password so the two are
			// indistinguishable.
			respondError(w, http.StatusBadRequest, "Invalid credentials")
			return
		}
		s.log.Error("lookup user", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	if !auth.CheckPassword(u.PasswordHash, req.Password) {
		respondError(w, http.StatusBadRequest, "Invalid credentials")
		return
	}
	if u.Blocked {
		respondError(w, http.StatusForbidden, "Account is blocked")
		return
	}

	token, err := s.minter.Mint(u.ID)
	if err != nil {
		s.log.Error("mint token", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Server error")
		return
	}

	respondJSON(w, http.StatusOK, authResponse{User: u, Token: token})
}
