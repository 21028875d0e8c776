// Package notify serves per-user websocket connections fed by the event bus.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jimdaga/balanced-plate/internal/events"
	"github.com/jimdaga/balanced-plate/internal/models"
	"github.com/jimdaga/balanced-plate/internal/pipeline"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	replyBuffer    = 16
)

// Client message types
const (
	MessagePing                 = "ping"
	MessageMarkNotificationRead = "mark_notification_read"
)

// Subscriber hands out bus subscriptions.
type Subscriber interface {
	Subscribe(topic string) (*events.Subscription, error)
}

// ReportReader marks reports read on behalf of their owner.
type ReportReader interface {
	MarkReportRead(ctx context.Context, ownerID, reportID string) (*models.WeeklyReportJob, error)
}

// clientMessage is what browsers send up the socket.
type clientMessage struct {
	Type             string      `json:"type"`
	Timestamp        interface{} `json:"timestamp,omitempty"`
	RecommendationID string      `json:"recommendation_id,omitempty"`
}

// Gateway upgrades HTTP requests into notification streams.
type Gateway struct {
	bus      Subscriber
	reports  ReportReader
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway.
func NewGateway(bus Subscriber, reports ReportReader, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		bus:     bus,
		reports: reports,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and streams ownerID's events until either side goes away.
// The first frame is the connection_established handshake.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "user_id", ownerID, "error", err)
		return
	}
	defer conn.Close()

	sub, err := g.bus.Subscribe(ownerID)
	if err != nil {
		g.logger.Error("Subscribe failed", "user_id", ownerID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "notifications unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer sub.Close()

	g.logger.Info("WebSocket connected", "user_id", ownerID, "subscription_id", sub.ID)

	replies := make(chan events.Event, replyBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.writeLoop(conn, sub, replies)
	}()

	g.readLoop(r.Context(), conn, ownerID, replies, done)
	sub.Close()
	<-done

	g.logger.Info("WebSocket disconnected", "user_id", ownerID, "subscription_id", sub.ID)
}

// writeLoop is the only writer on conn. It ends when the subscription is closed or a write fails.
func (g *Gateway) writeLoop(conn *websocket.Conn, sub *events.Subscription, replies <-chan events.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	// Unblocks the read loop once writing stops.
	defer conn.Close()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription ended"))
				return
			}
			if err := g.write(conn, ev); err != nil {
				return
			}
		case ev := <-replies:
			if err := g.write(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) write(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ev); err != nil {
		g.logger.Debug("WebSocket write failed", "event_type", ev.Type, "error", err)
		return err
	}
	return nil
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, ownerID string, replies chan<- events.Event, done <-chan struct{}) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("WebSocket read failed", "user_id", ownerID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			g.reply(replies, done, events.ErrorEvent("invalid message format"))
			continue
		}
		g.handle(ctx, ownerID, msg, replies, done)
	}
}

func (g *Gateway) handle(ctx context.Context, ownerID string, msg clientMessage, replies chan<- events.Event, done <-chan struct{}) {
	switch msg.Type {
	case MessagePing:
		g.reply(replies, done, events.Event{
			Type: events.Pong,
			Data: map[string]interface{}{"timestamp": msg.Timestamp},
		})
	case MessageMarkNotificationRead:
		if msg.RecommendationID == "" {
			g.reply(replies, done, events.ErrorEvent("recommendation_id is required"))
			return
		}
		// Success is announced by the recommendation_read event on the bus.
		if _, err := g.reports.MarkReportRead(ctx, ownerID, msg.RecommendationID); err != nil {
			g.logger.Warn("Mark notification read failed",
				"user_id", ownerID,
				"recommendation_id", msg.RecommendationID,
				"error", err,
			)
			g.reply(replies, done, events.ErrorEvent(readFailure(err)))
		}
	default:
		g.reply(replies, done, events.ErrorEvent("unknown message type: "+msg.Type))
	}
}

func readFailure(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		return "recommendation not found"
	case errors.Is(err, pipeline.ErrNotCompleted):
		return "recommendation is not ready yet"
	}
	return "failed to mark notification read"
}

// reply queues ev for the writer unless the writer has already stopped.
func (g *Gateway) reply(replies chan<- events.Event, done <-chan struct{}, ev events.Event) {
	select {
	case replies <- ev:
	case <-done:
	}
}
