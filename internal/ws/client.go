package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/python786920-cmyk/realtime-game-backend/internal/game"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 64
)

// Inbound message types.
const (
	MsgJoinQueue    = "joinQueue"
	MsgLeaveQueue   = "leaveQueue"
	MsgSubmitAnswer = "submitAnswer"
	MsgLeaveGame    = "leaveGame"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type joinQueueData struct {
	Stake int64 `json:"stake"`
}

type submitAnswerData struct {
	QuestionID  int  `json:"question_id"`
	OptionIndex *int `json:"option_index"`
}

type signalData struct {
	Payload json.RawMessage `json:"payload"`
}

// Client is one authenticated socket.
type Client struct {
	id      string
	userID  int64
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	backend Backend
	logger  *slog.Logger
}

func (c *Client) readPump() {
	defer func() {
		c.backend.Disconnect(context.Background(), c.id)
		c.hub.unregister(c)
		c.conn.Close()
		c.logger.Info("client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", "error", err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.fail(fmt.Errorf("%w: %v", game.ErrBadRequest, err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	if err := c.handle(ctx, env); err != nil {
		c.logger.Debug("request rejected", "type", env.Type, "error", err)
		c.fail(err)
	}
}

func (c *Client) handle(ctx context.Context, env envelope) error {
	switch env.Type {
	case MsgJoinQueue:
		var d joinQueueData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		_, err := c.backend.JoinQueue(ctx, game.Conn{ID: c.id, UserID: c.userID}, d.Stake)
		return err

	case MsgLeaveQueue:
		return c.backend.LeaveQueue(ctx, c.id)

	case MsgSubmitAnswer:
		var d submitAnswerData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		if d.OptionIndex == nil {
			return fmt.Errorf("%w: option_index is required", game.ErrBadRequest)
		}
		_, err := c.backend.SubmitAnswer(ctx, c.id, d.QuestionID, *d.OptionIndex)
		return err

	case MsgLeaveGame:
		return c.backend.LeaveGame(ctx, c.id)

	case game.SignalOffer, game.SignalAnswer, game.SignalICECandidate:
		var d signalData
		if err := decode(env.Data, &d); err != nil {
			return err
		}
		return c.backend.Relay(c.id, env.Type, d.Payload)

	default:
		return fmt.Errorf("%w: unknown message type %q", game.ErrBadRequest, env.Type)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", game.ErrBadRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", game.ErrBadRequest, err)
	}
	return nil
}

func (c *Client) fail(err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("request timed out: %w", err)
	}
	c.hub.Send(c.id, game.ErrorEventFor(err))
}
