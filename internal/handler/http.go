package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kaboom-backend/internal/config"
	"github.com/kaboom-backend/internal/domain"
	"github.com/kaboom-backend/internal/service"
	"github.com/kaboom-backend/internal/websocket"
)

const maxBodyBytes = 1 << 16

// Handler provides HTTP handlers for the game API
type Handler struct {
	service *service.GameService
	hub     *websocket.Hub
	events  *ipLimiter
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc *service.GameService, hub *websocket.Hub, limits config.RateLimitConfig, logger *slog.Logger) *Handler {
	return &Handler{
		service: svc,
		hub:     hub,
		events:  newIPLimiter(limits.EventsPerSecond, limits.Burst),
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.With(h.events.middleware).Post("/events", h.RecordEvent)
				r.Post("/end", h.EndSession)
			})
		})

		r.Route("/players", func(r chi.Router) {
			r.Get("/", h.ListPlayers)
			r.Post("/", h.SavePlayer)
			r.Route("/{identity}", func(r chi.Router) {
				r.Get("/", h.GetPlayer)
				r.Get("/sessions", h.GetPlayerSessions)
				r.Get("/achievements", h.GetPlayerAchievements)

				r.Get("/recharge", h.GetRecharge)
				r.Post("/recharge/consume", h.ConsumeLife)
				r.Post("/recharge/cooldown", h.StartCooldown)
				r.Put("/recharge/lives", h.SetLives)
			})
		})

		r.Get("/leaderboards/{kind}", h.GetLeaderboard)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/sync", h.GetSyncStatus)
			r.Post("/sync/drain", h.DrainSync)
			r.Delete("/sync", h.ClearSync)
			r.Post("/players/{identity}/ban", h.BanPlayer)
			r.Delete("/players/{identity}/ban", h.UnbanPlayer)
			r.Post("/players/{identity}/award", h.AwardTokens)
		})

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, APIResponse{Success: false, Error: err.Error()})
}

// writeServiceError maps a service error onto a status code. Unexpected
// errors are logged and hidden behind ErrInternalError.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrStaleSession), errors.Is(err, domain.ErrInvalidState):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrPlayerBanned):
		h.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Warn("store unavailable", "op", op, "request_id", middleware.GetReqID(r.Context()), "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
	default:
		h.logger.Error("request failed", "op", op, "request_id", middleware.GetReqID(r.Context()), "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched when allowEmpty is set.
func decode(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return domain.ErrInvalidRequest
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return def
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]int{"total_connections": h.hub.TotalConnections()})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]any{
		"status":          "healthy",
		"active_sessions": h.service.ActiveSessions(),
	})
}

// ReadyCheck reports whether the store is reachable
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ready(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrStoreUnavailable)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// StartSession opens a gameplay session
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req domain.StartSessionRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	state, err := h.service.StartSession(r.Context(), req.Identity)
	if err != nil {
		h.writeServiceError(w, r, "start session", err)
		return
	}
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: state})
}

// GetSession returns an active session's counters
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, "get session", err)
		return
	}
	h.writeSuccess(w, state)
}

// RecordEvent applies one gameplay event. Events for inactive sessions are
// accepted and reported as not applied.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var event domain.SessionEvent
	if err := decode(r, &event, false); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	event.SessionID = chi.URLParam(r, "sessionID")

	applied, err := h.service.RecordEvent(r.Context(), event)
	if err != nil {
		h.writeServiceError(w, r, "record event", err)
		return
	}
	h.writeSuccess(w, map[string]bool{"applied": applied})
}

// EndSession finishes a session and returns its verdict
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.EndSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeServiceError(w, r, "end session", err)
		return
	}
	h.writeSuccess(w, result)
}

// ListPlayers returns a page of players
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	page, err := h.service.ListPlayers(r.Context(),
		r.URL.Query().Get("search"),
		queryInt(r, "page", 1),
		queryInt(r, "limit", 0),
	)
	if err != nil {
		h.writeServiceError(w, r, "list players", err)
		return
	}
	h.writeSuccess(w, page)
}

// SavePlayer saves a player's profile fields
func (h *Handler) SavePlayer(w http.ResponseWriter, r *http.Request) {
	var req domain.SaveProfileRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	player, err := h.service.SavePlayer(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, "save player", err)
		return
	}
	h.writeSuccess(w, player)
}

// GetPlayer returns a player's record
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	player, err := h.service.GetPlayer(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.writeServiceError(w, r, "get player", err)
		return
	}
	h.writeSuccess(w, player)
}

// GetPlayerSessions returns a player's session history
func (h *Handler) GetPlayerSessions(w http.ResponseWriter, r *http.Request) {
	validOnly, _ := strconv.ParseBool(r.URL.Query().Get("valid_only"))
	sessions, err := h.service.PlayerSessions(r.Context(), chi.URLParam(r, "identity"), queryInt(r, "limit", 0), validOnly)
	if err != nil {
		h.writeServiceError(w, r, "player sessions", err)
		return
	}
	h.writeSuccess(w, sessions)
}

// GetPlayerAchievements returns a player's unlocked achievements
func (h *Handler) GetPlayerAchievements(w http.ResponseWriter, r *http.Request) {
	unlocks, err := h.service.PlayerAchievements(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.writeServiceError(w, r, "player achievements", err)
		return
	}
	h.writeSuccess(w, unlocks)
}

// GetRecharge returns a player's lives and cooldown
func (h *Handler) GetRecharge(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.RechargeStatus(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.writeServiceError(w, r, "recharge status", err)
		return
	}
	h.writeSuccess(w, status)
}

// ConsumeLife removes one life
func (h *Handler) ConsumeLife(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.ConsumeLife(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		h.writeServiceError(w, r, "consume life", err)
		return
	}
	h.writeSuccess(w, status)
}

// StartCooldown starts a recharge cooldown; an empty body uses the default duration
func (h *Handler) StartCooldown(w http.ResponseWriter, r *http.Request) {
	var req domain.CooldownRequest
	if err := decode(r, &req, true); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := h.service.StartCooldown(r.Context(), chi.URLParam(r, "identity"), req.DurationMinutes)
	if err != nil {
		h.writeServiceError(w, r, "start cooldown", err)
		return
	}
	h.writeSuccess(w, status)
}

// SetLives overrides a player's life count
func (h *Handler) SetLives(w http.ResponseWriter, r *http.Request) {
	var req domain.SetLivesRequest
	if err := decode(r, &req, false); err != nil || req.Lives == nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	status, err := h.service.SetLives(r.Context(), chi.URLParam(r, "identity"), *req.Lives)
	if err != nil {
		h.writeServiceError(w, r, "set lives", err)
		return
	}
	h.writeSuccess(w, status)
}

// GetLeaderboard returns the top players by score or tokens
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	kind := domain.LeaderboardKind(chi.URLParam(r, "kind"))
	entries, err := h.service.Leaderboard(r.Context(), kind, queryInt(r, "limit", 0))
	if err != nil {
		h.writeServiceError(w, r, "leaderboard", err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetSyncStatus reports the ledger sync queue
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.service.SyncStatus())
}

// DrainSync attempts every queued ledger task now
func (h *Handler) DrainSync(w http.ResponseWriter, r *http.Request) {
	delivered, failed := h.service.ForceDrain(r.Context())
	h.writeSuccess(w, map[string]int{"delivered": delivered, "failed": failed})
}

// ClearSync drops every queued ledger task
func (h *Handler) ClearSync(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]int{"cleared": h.service.ClearSync()})
}

// BanPlayer bans a player
func (h *Handler) BanPlayer(w http.ResponseWriter, r *http.Request) {
	var req domain.BanRequest
	if err := decode(r, &req, true); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.setBan(w, r, true, req.Reason)
}

// UnbanPlayer lifts a player's ban
func (h *Handler) UnbanPlayer(w http.ResponseWriter, r *http.Request) {
	h.setBan(w, r, false, "")
}

func (h *Handler) setBan(w http.ResponseWriter, r *http.Request, banned bool, reason string) {
	player, err := h.service.SetBan(r.Context(), chi.URLParam(r, "identity"), banned, reason)
	if err != nil {
		h.writeServiceError(w, r, "set ban", err)
		return
	}
	h.writeSuccess(w, player)
}

// AwardTokens credits tokens to a player
func (h *Handler) AwardTokens(w http.ResponseWriter, r *http.Request) {
	var req domain.AwardRequest
	if err := decode(r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	player, err := h.service.Award(r.Context(), chi.URLParam(r, "identity"), req)
	if err != nil {
		h.writeServiceError(w, r, "award tokens", err)
		return
	}
	h.writeSuccess(w, player)
}
