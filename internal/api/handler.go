// Package api provides HTTP handlers for status and account endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/identity"
	"github.com/ashureev/dailybot/internal/onboarding"
	"github.com/go-chi/chi/v5"
)

// UserReader loads user records.
type UserReader interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// ClientConfig is what the web client needs to know about the server.
type ClientConfig struct {
	Mode        string   `json:"orchestration_mode"`
	Specialists []string `json:"specialists"`
	Channels    []string `json:"channels"`
}

// Handler serves the account endpoints.
type Handler struct {
	users  UserReader
	client ClientConfig
}

// NewHandler creates a new Handler.
func NewHandler(users UserReader, client ClientConfig) *Handler {
	return &Handler{users: users, client: client}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers account routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.GetMe)
	r.Get("/api/config", h.GetConfig)
}

// meResponse describes the caller's onboarding position.
type meResponse struct {
	UserID      string                                      `json:"user_id"`
	Known       bool                                        `json:"known"`
	Step        domain.OnboardingStep                       `json:"onboarding_step,omitempty"`
	Completed   bool                                        `json:"onboarding_completed"`
	Routable    bool                                        `json:"routable"`
	DemoMode    bool                                        `json:"demo_mode"`
	Credentials map[domain.Provider]domain.CredentialStatus `json:"credentials"`
	LastChannel domain.ChannelKind                          `json:"last_channel,omitempty"`
}

// GetMe returns the current user's onboarding status. A caller without a
// record yet is reported as unknown rather than 404 so the client can show
// the first-contact view.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	resp := meResponse{UserID: userID, Credentials: map[domain.Provider]domain.CredentialStatus{}}
	user, err := h.users.GetUser(r.Context(), userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		JSON(w, http.StatusOK, resp)
		return
	case err != nil:
		slog.Error("Failed to load user", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	resp.Known = true
	resp.Step = user.OnboardingStep
	resp.Completed = user.OnboardingCompleted
	resp.Routable = onboarding.CheckGate(user)
	resp.DemoMode = user.DemoMode
	resp.LastChannel = user.LastChannel
	for _, p := range domain.Providers {
		if s := user.CredentialStatus(p); s != domain.CredentialUnset {
			resp.Credentials[p] = s
		}
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.client)
}
