package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/python786920-cmyk/realtime-game-backend/internal/account"
	"github.com/python786920-cmyk/realtime-game-backend/internal/directory"
	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
	"github.com/python786920-cmyk/realtime-game-backend/internal/settlement"
	"github.com/python786920-cmyk/realtime-game-backend/internal/ws"
)

type Handlers struct {
	svc           *game.Service
	accounts      *account.DB
	directory     *directory.Directory
	settler       *settlement.Settler
	notifications *NotificationService
	pubNub        Pubnub
	hub           *ws.Hub
	auth          ws.Authenticator
}

func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Time: time.Now().UTC()})
}

func (h *Handlers) Stats(c echo.Context) error {
	resp := StatsResponse{Stats: h.svc.Stats()}
	if h.hub != nil {
		resp.Connections = h.hub.Count()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handlers) Stakes(c echo.Context) error {
	return c.JSON(http.StatusOK, StakesResponse{Stakes: h.svc.Stakes()})
}

func (h *Handlers) GetRoom(c echo.Context) error {
	roomID := c.Param("roomId")
	ctx := c.Request().Context()

	snap, err := h.svc.Room(ctx, roomID)
	if err == nil {
		return c.JSON(http.StatusOK, RoomResponse{Source: "live", Room: snap})
	}
	if !errors.Is(err, game.ErrRoomNotFound) {
		slog.Error(fmt.Sprintf("h.svc.Room(%v)", roomID), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Kind: game.ErrorKind(err), Error: err.Error()})
	}

	if h.directory != nil {
		snap, derr := h.directory.Room(ctx, roomID)
		if derr == nil {
			return c.JSON(http.StatusOK, RoomResponse{Source: "directory", Room: snap})
		}
		if !errors.Is(derr, directory.ErrNotFound) {
			slog.Error(fmt.Sprintf("h.directory.Room(%v)", roomID), "error", derr)
		}
	}
	return c.JSON(http.StatusNotFound, ErrorResponse{Kind: game.ErrorKind(err), Error: err.Error()})
}

func (h *Handlers) GetMatch(c echo.Context) error {
	matchID := c.Param("matchId")

	rec, err := h.accounts.Match(c.Request().Context(), matchID)
	if errors.Is(err, account.ErrMatchNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		slog.Error(fmt.Sprintf("h.accounts.Match(%v)", matchID), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, rec)
}

// PushToken grants the caller read access to their own PubNub channel.
func (h *Handlers) PushToken(c echo.Context) error {
	if h.pubNub == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "push notifications are not configured"})
	}
	userID, err := h.auth.Authenticate(c.Request())
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Kind: game.ErrorKind(err), Error: err.Error()})
	}

	token, err := h.pubNub.GrantPlayerToken(c.Request().Context(), userID)
	if err != nil {
		slog.Error(fmt.Sprintf("h.pubNub.GrantPlayerToken(%v)", userID), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, PushTokenResponse{Token: token, Channel: playerChannel(userID)})
}

// GetProfile returns a player's balance and record.
func (h *Handlers) GetProfile(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Kind: "bad_request", Error: "invalid user id"})
	}

	profile, err := h.accounts.Profile(c.Request().Context(), userID)
	if errors.Is(err, account.ErrUserNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	}
	if err != nil {
		slog.Error(fmt.Sprintf("h.accounts.Profile(%v)", userID), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, profile)
}

// GetUserMatches lists a player's recorded matches, newest first, each with
// the player's result.
func (h *Handlers) GetUserMatches(c echo.Context) error {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Kind: "bad_request", Error: "invalid user id"})
	}
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Kind: "bad_request", Error: "invalid limit"})
		}
	}
	limit = min(limit, 100)

	ctx := c.Request().Context()
	if _, err := h.accounts.Profile(ctx, userID); err != nil {
		if errors.Is(err, account.ErrUserNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		}
		slog.Error(fmt.Sprintf("h.accounts.Profile(%v)", userID), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}

	history, err := h.accounts.History(ctx, userID, limit)
	if err != nil {
		slog.Error(fmt.Sprintf("h.accounts.History(%v)", userID), "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, MatchHistoryResponse{UserID: userID, Matches: history})
}
