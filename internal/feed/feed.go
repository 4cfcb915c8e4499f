// Package feed 把存储的行级变更通知投递给进程内订阅者。
// 变更在写事务内暂存，事务提交后订阅者才能看到。
package feed

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	TableMessages     = "messages"
	TableChats        = "chats"
	TableParticipants = "participants"
	TableTyping       = "typing_states"
)

const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
	// OpResync 表示事件可能丢失，派生状态需要从存储重新读取。
	OpResync = "RESYNC"
)

type Change struct {
	Table    string    `json:"table"`
	Op       string    `json:"op"`
	ChatID   uint      `json:"chat_id"`
	RowID    uint      `json:"row_id,omitempty"`
	UserID   uint      `json:"user_id,omitempty"`
	IsTyping bool      `json:"is_typing,omitempty"`
	At       time.Time `json:"at"`
}

// Resync 判断 c 是丢失通知而不是行变更。
func (c Change) Resync() bool { return c.Op == OpResync }

// Filter 按字段相等筛选变更，零值字段匹配任意值，resync 通知匹配所有过滤器。
type Filter struct {
	Table  string
	ChatID uint
	UserID uint
}

func (f Filter) Match(c Change) bool {
	if c.Resync() {
		return true
	}
	if f.Table != "" && f.Table != c.Table {
		return false
	}
	if f.ChatID != 0 && f.ChatID != c.ChatID {
		return false
	}
	if f.UserID != 0 && f.UserID != c.UserID {
		return false
	}
	return true
}

// Feed 由 Local（单进程）和 Postgres（LISTEN/NOTIFY）实现。
//
// 写入方在事务内调用 Stage，提交后调用 Flush。两者中只有一个真正投递，调用方两个都要调。
type Feed interface {
	Stage(tx *gorm.DB, changes ...Change) error
	Flush(ctx context.Context, changes ...Change)
	Subscribe(f Filter) *Subscription
	Close() error
}

func resync(at time.Time) Change {
	return Change{Op: OpResync, At: at}
}
