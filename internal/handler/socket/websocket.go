package socket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	chatservice "github.com/zhouzirui/memochat/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// WebSocketHandler WebSocket对话处理器
type WebSocketHandler struct {
	chatSvc  *chatservice.Service
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatservice.Service) *WebSocketHandler {
	return &WebSocketHandler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws/{userID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// TextMessage 文本消息
type TextMessage struct {
	Text   string `json:"text"`
	Stream *bool  `json:"stream,omitempty"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"userId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// connection serialises writes; gorilla allows one concurrent writer.
type connection struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

func (c *connection) send(msgType string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	msg := outgoingMessage{
		Type:      msgType,
		UserID:    c.userID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("[websocket] write %s failed: %v", msgType, err)
	}
}

func (c *connection) sendError(message string) {
	c.send("error", map[string]string{"message": message})
}

func (c *connection) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		http.Error(w, "userID is required", http.StatusBadRequest)
		return
	}

	if h.chatSvc == nil {
		http.Error(w, "chat service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	log.Printf("[websocket] new connection for user: %s", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := &connection{conn: ws, userID: userID}

	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	conn.send("connected", map[string]any{"window": h.chatSvc.Window()})

	for {
		var msg inboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[websocket] read error: %v", err)
			}
			return
		}

		ws.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleMessage(ctx, conn, &msg)
	}
}

// handleMessage 处理消息
func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *connection, msg *inboundMessage) {
	switch msg.Type {
	case "text":
		h.handleTextMessage(ctx, conn, msg.Data)
	case "flush":
		if err := h.chatSvc.Flush(ctx, conn.userID); err != nil {
			conn.sendError(err.Error())
			return
		}
		conn.send("flushed", map[string]string{"message": "Memory flushed successfully"})
	case "clear":
		h.chatSvc.Clear(conn.userID)
		conn.send("cleared", map[string]string{"message": "Conversation history cleared"})
	default:
		conn.sendError("unknown message type: " + msg.Type)
	}
}

// handleTextMessage 运行一轮对话并推送结果
func (h *WebSocketHandler) handleTextMessage(ctx context.Context, conn *connection, raw json.RawMessage) {
	var text TextMessage
	if err := json.Unmarshal(raw, &text); err != nil {
		conn.sendError("invalid text message")
		return
	}

	var (
		result chatservice.Result
		err    error
	)
	if text.Stream == nil || *text.Stream {
		result, err = h.chatSvc.SubmitStream(ctx, conn.userID, text.Text, func(delta string) {
			conn.send("ai_delta", map[string]string{"content": delta})
		})
	} else {
		result, err = h.chatSvc.Submit(ctx, conn.userID, text.Text)
	}
	if err != nil {
		log.Printf("[websocket] chat turn failed user=%s: %v", conn.userID, err)
		conn.sendError(err.Error())
		return
	}

	payload := map[string]any{
		"response":           result.Reply,
		"conversation_count": result.TurnCount,
		"auto_flushed":       result.AutoFlushed,
	}
	if result.FlushErr != nil {
		payload["flush_error"] = result.FlushErr.Error()
	}
	conn.send("ai", payload)
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
