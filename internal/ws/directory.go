package ws

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/auth"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/metrics"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/rs/zerolog/log"
)

const coalesceWindow = 200 * time.Millisecond

// ChatsFrame 是用户会话列表的完整快照。
type ChatsFrame struct {
	Type  string                `json:"type"`
	Chats []service.ChatSummary `json:"chats"`
}

// ServeDirectory 在会话列表可能变化时（新消息、已读、成员变更）推送最新快照，
// 短时间内的多次变更合并为一次推送。
func ServeDirectory(d Deps, f feed.Feed) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := auth.Authenticate(c, d.Secret, d.Users)
		if err != nil {
			abort(c, err)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		metrics.WsConnections.Inc()
		defer metrics.WsConnections.Dec()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		dir := &directory{userID: user.ID, conn: conn, chats: d.Chats, sub: f.Subscribe(feed.Filter{})}
		defer dir.sub.Close()
		go dir.drain(cancel)
		if err := dir.run(ctx); err != nil {
			log.Debug().Err(err).Uint("user_id", user.ID).Msg("directory closed")
		}
		_ = conn.Close()
	}
}

type directory struct {
	userID  uint
	conn    *websocket.Conn
	chats   *service.ChatService
	sub     *feed.Subscription
	members map[uint]struct{}
}

// drain 读取并丢弃客户端帧，保证 pong 与关闭帧得到处理。
func (d *directory) drain(cancel context.CancelFunc) {
	defer cancel()
	_ = d.conn.SetReadDeadline(time.Now().Add(pongWait))
	d.conn.SetPongHandler(func(string) error {
		return d.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := d.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (d *directory) run(ctx context.Context) error {
	if err := d.push(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-d.sub.C:
			if !ok {
				return nil
			}
			if pending == nil && d.relevant(ch) {
				pending = time.After(coalesceWindow)
			}
		case <-pending:
			pending = nil
			if err := d.push(ctx); err != nil {
				return err
			}
		case <-ticker.C:
			_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (d *directory) relevant(c feed.Change) bool {
	switch {
	case c.Resync():
		return true
	case c.Table == feed.TableTyping:
		return false
	case c.Table == feed.TableParticipants && c.UserID == d.userID:
		return true
	}
	_, ok := d.members[c.ChatID]
	return ok
}

func (d *directory) push(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	members, err := d.chats.ChatIDs(opCtx, d.userID)
	if err != nil {
		return err
	}
	d.members = members
	list, err := d.chats.ListChats(opCtx, d.userID)
	if err != nil {
		return err
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return d.conn.WriteJSON(ChatsFrame{Type: "chats", Chats: list})
}
