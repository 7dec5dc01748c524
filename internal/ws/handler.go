package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
)

// Backend is the part of game.Service the transport drives.
type Backend interface {
	JoinQueue(ctx context.Context, conn game.Conn, stake int64) (int, error)
	LeaveQueue(ctx context.Context, connID string) error
	SubmitAnswer(ctx context.Context, connID string, questionID, option int) (game.AnswerResult, error)
	LeaveGame(ctx context.Context, connID string) error
	Disconnect(ctx context.Context, connID string)
	Relay(connID, kind string, payload json.RawMessage) error
}

// Authenticator resolves the user behind an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

type ProfileLookup interface {
	Profile(ctx context.Context, userID int64) (account.Profile, error)
}

// HeaderAuthenticator trusts the user id set by the fronting gateway in
// X-User-ID (or the user_id query parameter for browsers) and checks that
// the account exists.
type HeaderAuthenticator struct {
	Accounts ProfileLookup
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		raw = r.URL.Query().Get("user_id")
	}
	if raw == "" {
		return 0, game.ErrNotAuthenticated
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: bad user id %q", game.ErrNotAuthenticated, raw)
	}
	if _, err := a.Accounts.Profile(r.Context(), userID); err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			return 0, fmt.Errorf("%w: %v", game.ErrNotAuthenticated, err)
		}
		return 0, err
	}
	return userID, nil
}

type Handler struct {
	hub      *Hub
	backend  Backend
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandler(hub *Hub, backend Backend, auth Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:     hub,
		backend: backend,
		auth:    auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, game.ErrNotAuthenticated) {
			status = http.StatusInternalServerError
			h.logger.Error("h.auth.Authenticate", "error", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(game.ErrorEvent{Kind: game.ErrorKind(err), Message: err.Error()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "user_id", userID, "error", err)
		return
	}

	id := uuid.NewString()
	c := &Client{
		id:      id,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     h.hub,
		backend: h.backend,
		logger:  h.logger.With("conn_id", id, "user_id", userID),
	}
	h.hub.register(c)
	c.logger.Info("client connected")

	go c.writePump()
	c.readPump()
}
