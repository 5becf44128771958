package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// ClientMessage is an inbound control message from a WebSocket client.
type ClientMessage struct {
	Action     string   `json:"action"`
	Topics     []string `json:"topics"`
	RequestIDs []string `json:"requestIds"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades HTTP connections and streams hub events over them.
type WebSocketHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger}
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, m...)
}

// HandleConnect upgrades the connection, subscribes it to any request_id
// query parameters, and starts the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var topics []string
	for _, id := range c.QueryParams()["request_id"] {
		topics = append(topics, RequestTopic(id))
	}
	sub := wsh.hub.Subscribe("websocket", topics...)

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(context.Background())
	go wsh.writePump(ctx, sub, ws)
	go func() {
		defer cancel()
		wsh.readPump(sub, &gorillaConnAdapter{ws})
	}()
	return nil
}

// readPump processes control messages until the connection fails, then
// releases the subscription.
func (wsh *WebSocketHandler) readPump(sub *Subscription, conn Conn) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		ProcessMessage(sub, msg)
	}
}

// ProcessMessage applies a subscribe or unsubscribe control message.
func ProcessMessage(sub *Subscription, msg ClientMessage) {
	topics := append([]string{}, msg.Topics...)
	for _, id := range msg.RequestIDs {
		topics = append(topics, RequestTopic(id))
	}
	switch msg.Action {
	case "subscribe":
		sub.AddTopics(topics...)
	case "unsubscribe":
		sub.RemoveTopics(topics...)
	}
}

func (wsh *WebSocketHandler) writePump(ctx context.Context, sub *Subscription, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	events := make(chan Event)
	go func() {
		defer close(events)
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				wsh.logger.Debug().Err(err).Str("subscription", sub.ID).Msg("websocket write failed")
				sub.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy the Conn interface.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
