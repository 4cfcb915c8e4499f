package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/apperr"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/auth"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/metrics"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 64 << 10
	opTimeout  = 10 * time.Second
)

// 客户端上行帧类型。
const (
	InMessage = "message"
	InTyping  = "typing"
	InRead    = "read"
)

// 回执帧类型，只发给触发它的连接。
const (
	ReplySent  = "sent"
	ReplyError = "error"
)

// Deps 聚合 WebSocket 端点依赖的 service。
type Deps struct {
	Hub      *Hub
	Users    *service.UserService
	Chats    *service.ChatService
	Messages *service.MessageService
	Typing   *service.TypingService
	Secret   string
}

type Client struct {
	chatID  uint
	userID  uint
	conn    *websocket.Conn
	sub     *Subscriber
	replies chan Reply
	done    chan struct{}
	deps    Deps
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type InboundMessage struct {
	Type     string `json:"type"`
	Body     string `json:"body"`
	IsTyping bool   `json:"is_typing"`
}

type Reply struct {
	Type    string              `json:"type"`
	Message *service.MessageDTO `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
	Code    apperr.Code         `json:"code,omitempty"`
}

func abort(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(code), gin.H{"error": apperr.MessageOf(err), "code": code})
}

// Serve 把 chat_id 的成员升级为实时连接。下行帧是会话事件，上行帧用于发消息、
// 上报输入状态和已读回执。
func Serve(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		cid64, err := strconv.ParseUint(c.Query("chat_id"), 10, 64)
		if err != nil || cid64 == 0 {
			abort(c, apperr.InvalidArgument("invalid chat_id"))
			return
		}
		chatID := uint(cid64)
		user, err := auth.Authenticate(c, d.Secret, d.Users)
		if err != nil {
			abort(c, err)
			return
		}
		if err := d.Chats.IsParticipant(c.Request.Context(), chatID, user.ID); err != nil {
			abort(c, err)
			return
		}

		// 先订阅再升级：握手完成时订阅已生效，客户端随后加载的历史不会漏消息。
		sub := d.Hub.Subscribe(chatID)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			sub.Close()
			return
		}
		metrics.WsConnections.Inc()
		defer metrics.WsConnections.Dec()

		client := &Client{
			chatID:  chatID,
			userID:  user.ID,
			conn:    conn,
			sub:     sub,
			replies: make(chan Reply, 16),
			done:    make(chan struct{}),
			deps:    d,
		}
		log.Debug().Uint("chat_id", chatID).Uint("user_id", user.ID).Msg("ws connected")
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.sub.Close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			c.reply(Reply{Type: ReplyError, Error: "malformed frame", Code: apperr.CodeInvalidArgument})
			continue
		}
		c.handle(in)
	}
}

func (c *Client) handle(in InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	var err error
	switch in.Type {
	case InMessage:
		var msg *service.MessageDTO
		msg, err = c.deps.Messages.Publish(ctx, c.chatID, c.userID, in.Body)
		if err == nil {
			c.reply(Reply{Type: ReplySent, Message: msg})
		}
	case InTyping:
		err = c.deps.Typing.Set(ctx, c.chatID, c.userID, in.IsTyping)
	case InRead:
		err = c.deps.Chats.MarkRead(ctx, c.chatID, c.userID)
	default:
		err = apperr.InvalidArgument("unknown frame type")
	}
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			log.Error().Err(err).Uint("chat_id", c.chatID).Str("type", in.Type).Msg("ws frame")
		}
		c.reply(Reply{Type: ReplyError, Error: apperr.MessageOf(err), Code: apperr.CodeOf(err)})
	}
}

func (c *Client) reply(r Reply) {
	select {
	case c.replies <- r:
	default:
		log.Warn().Uint("user_id", c.userID).Str("type", r.Type).Msg("reply dropped")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.sub.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "lagging"))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case r := <-c.replies:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(r); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
