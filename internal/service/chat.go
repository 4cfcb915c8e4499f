package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowdashreyas493-oss/skillspark-placement/internal/feed"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	unnamedGroup = "Unnamed Group"
	unknownUser  = "Unknown User"
)

// ChatService 负责会话目录：成员关系、已读游标以及每个用户的会话列表。
type ChatService struct {
	db    *gorm.DB
	feed  feed.Feed
	clock clockwork.Clock
}

func NewChatService(db *gorm.DB, f feed.Feed, opts ...Option) *ChatService {
	o := buildOptions(opts)
	return &ChatService{db: db, feed: f, clock: o.clock}
}

// directKey 对 (a, b) 与 (b, a) 返回相同的键。
func directKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// ListChats 返回用户参与的全部会话，最近活跃的排在前面。
func (s *ChatService) ListChats(ctx context.Context, userID uint) ([]ChatSummary, error) {
	db := s.db.WithContext(ctx)

	var memberships []models.Participant
	if err := db.Where("user_id = ?", userID).Find(&memberships).Error; err != nil {
		return nil, storeErr("list chats", err)
	}
	if len(memberships) == 0 {
		return []ChatSummary{}, nil
	}
	chatIDs := make([]uint, 0, len(memberships))
	for _, p := range memberships {
		chatIDs = append(chatIDs, p.ChatID)
	}

	var chats []models.Chat
	if err := db.Where("id IN ?", chatIDs).Order("last_activity_at desc, id desc").Find(&chats).Error; err != nil {
		return nil, storeErr("list chats", err)
	}

	unread, err := s.unreadCounts(db, userID)
	if err != nil {
		return nil, storeErr("count unread", err)
	}
	peers, err := s.directPeers(db, userID, chats)
	if err != nil {
		return nil, storeErr("load peers", err)
	}

	out := make([]ChatSummary, 0, len(chats))
	senders := make([]uint, 0, len(chats))
	lasts := make(map[uint]models.Message, len(chats))
	for _, c := range chats {
		var last models.Message
		res := db.Where("chat_id = ? AND is_deleted = ?", c.ID, false).Order("created_at desc, id desc").Limit(1).Find(&last)
		if res.Error != nil {
			return nil, storeErr("load last message", res.Error)
		}
		if res.RowsAffected > 0 {
			lasts[c.ID] = last
			senders = append(senders, last.SenderID)
		}
	}
	names, err := resolveUsernames(db, senders)
	if err != nil {
		return nil, storeErr("load senders", err)
	}

	for _, c := range chats {
		sum := ChatSummary{
			ID:             c.ID,
			Kind:           c.Kind,
			UnreadCount:    unread[c.ID],
			LastActivityAt: c.LastActivityAt,
		}
		if last, ok := lasts[c.ID]; ok {
			dto := newMessageDTO(last, names[last.SenderID])
			sum.LastMessage = &dto
		}
		sum.DisplayName = displayName(c, peers[c.ID])
		sum.Peer = peers[c.ID]
		out = append(out, sum)
	}
	return out, nil
}

func displayName(c models.Chat, peer *UserDTO) string {
	if c.Kind == models.ChatDirect {
		if peer != nil && peer.Username != "" {
			return peer.Username
		}
		return unknownUser
	}
	if c.Name != nil && strings.TrimSpace(*c.Name) != "" {
		return *c.Name
	}
	return unnamedGroup
}

// unreadCounts 按会话统计他人发送、晚于已读游标且未删除的消息数。
func (s *ChatService) unreadCounts(db *gorm.DB, userID uint) (map[uint]int64, error) {
	var rows []struct {
		ChatID uint
		Unread int64
	}
	err := db.Table("messages AS m").
		Select("m.chat_id AS chat_id, COUNT(*) AS unread").
		Joins("JOIN participants AS p ON p.chat_id = m.chat_id AND p.user_id = ?", userID).
		Where("m.sender_id <> ? AND m.is_deleted = ? AND m.created_at > p.last_read_at", userID, false).
		Group("m.chat_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int64, len(rows))
	for _, r := range rows {
		out[r.ChatID] = r.Unread
	}
	return out, nil
}

// directPeers 把每个单聊映射到对方用户；对方缺失时为 nil。
func (s *ChatService) directPeers(db *gorm.DB, userID uint, chats []models.Chat) (map[uint]*UserDTO, error) {
	direct := make([]uint, 0, len(chats))
	for _, c := range chats {
		if c.Kind == models.ChatDirect {
			direct = append(direct, c.ID)
		}
	}
	out := make(map[uint]*UserDTO, len(direct))
	if len(direct) == 0 {
		return out, nil
	}
	var parts []models.Participant
	if err := db.Where("chat_id IN ? AND user_id <> ?", direct, userID).Find(&parts).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	names, err := resolveUsernames(db, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		out[p.ChatID] = &UserDTO{ID: p.UserID, Username: names[p.UserID]}
	}
	return out, nil
}

// MarkRead 把已读游标推进到当前时间与最新消息时间中较晚的一个，游标只进不退。
func (s *ChatService) MarkRead(ctx context.Context, chatID, userID uint) error {
	var change feed.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p models.Participant
		res := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).Limit(1).Find(&p)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return checkMember(tx, chatID, userID)
		}

		readAt := storeTime(s.clock)
		var newest models.Message
		res = tx.Select("id", "created_at").Where("chat_id = ?", chatID).Order("created_at desc, id desc").Limit(1).Find(&newest)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 && newest.CreatedAt.After(readAt) {
			readAt = newest.CreatedAt
		}
		if !readAt.After(p.LastReadAt) {
			return nil
		}
		if err := tx.Model(&models.Participant{}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			Update("last_read_at", readAt).Error; err != nil {
			return err
		}
		change = feed.Change{Table: feed.TableParticipants, Op: feed.OpUpdate, ChatID: chatID, UserID: userID, At: readAt}
		return s.feed.Stage(tx, change)
	})
	if err != nil {
		return storeErr("mark read", err)
	}
	if change.Table != "" {
		s.feed.Flush(ctx, change)
	}
	return nil
}

// GetOrCreateDirectChat 返回 a 与 b 之间的单聊，不存在时连同两个成员一起创建。
// 同一对用户的并发调用（无论顺序）拿到同一个会话：依赖 direct_key 唯一索引，
// 冲突的一方重新读取胜出方写入的行。
func (s *ChatService) GetOrCreateDirectChat(ctx context.Context, a, b uint) (uint, bool, error) {
	if a == b {
		return 0, false, ErrSelfChat
	}
	db := s.db.WithContext(ctx)
	if err := requireUsers(db, a, b); err != nil {
		return 0, false, err
	}

	key := directKey(a, b)
	var existing models.Chat
	res := db.Where("direct_key = ?", key).Limit(1).Find(&existing)
	if res.Error != nil {
		return 0, false, storeErr("find direct chat", res.Error)
	}
	if res.RowsAffected > 0 {
		return existing.ID, false, nil
	}

	var (
		chatID  uint
		created bool
		changes []feed.Change
	)
	err := db.Transaction(func(tx *gorm.DB) error {
		now := storeTime(s.clock)
		chat := models.Chat{Kind: models.ChatDirect, DirectKey: &key, CreatedAt: now, LastActivityAt: now}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "direct_key"}},
			DoNothing: true,
		}).Create(&chat)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var winner models.Chat
			if err := tx.Where("direct_key = ?", key).Take(&winner).Error; err != nil {
				return err
			}
			chatID = winner.ID
			return nil
		}

		parts := []models.Participant{
			{ChatID: chat.ID, UserID: a, LastReadAt: now, JoinedAt: now},
			{ChatID: chat.ID, UserID: b, LastReadAt: now, JoinedAt: now},
		}
		if err := tx.Create(&parts).Error; err != nil {
			return err
		}
		chatID, created = chat.ID, true
		changes = joinChanges(chat.ID, now, a, b)
		return s.feed.Stage(tx, changes...)
	})
	if err != nil {
		return 0, false, storeErr("create direct chat", err)
	}
	s.feed.Flush(ctx, changes...)
	return chatID, created, nil
}

// CreateGroupChat 创建包含创建者和指定成员的群聊。
// 名称可以为空，展示为 "Unnamed Group"。
func (s *ChatService) CreateGroupChat(ctx context.Context, creatorID uint, name string, memberIDs []uint) (uint, error) {
	name = strings.TrimSpace(name)
	if len(name) > 128 {
		return 0, ErrGroupNameTooLong
	}
	members := uniqueIDs(append([]uint{creatorID}, memberIDs...))
	db := s.db.WithContext(ctx)
	if err := requireUsers(db, members...); err != nil {
		return 0, err
	}

	var (
		chatID  uint
		changes []feed.Change
	)
	err := db.Transaction(func(tx *gorm.DB) error {
		now := storeTime(s.clock)
		chat := models.Chat{Kind: models.ChatGroup, CreatedAt: now, LastActivityAt: now}
		if name != "" {
			chat.Name = &name
		}
		if err := tx.Create(&chat).Error; err != nil {
			return err
		}
		parts := make([]models.Participant, 0, len(members))
		for _, id := range members {
			parts = append(parts, models.Participant{ChatID: chat.ID, UserID: id, LastReadAt: now, JoinedAt: now})
		}
		if err := tx.Create(&parts).Error; err != nil {
			return err
		}
		chatID = chat.ID
		changes = joinChanges(chat.ID, now, members...)
		return s.feed.Stage(tx, changes...)
	})
	if err != nil {
		return 0, storeErr("create group chat", err)
	}
	s.feed.Flush(ctx, changes...)
	return chatID, nil
}

// AddParticipant 由群成员 actor 把 userID 拉进群聊，已是成员时什么也不做。
func (s *ChatService) AddParticipant(ctx context.Context, chatID, actorID, userID uint) error {
	db := s.db.WithContext(ctx)
	if err := requireUsers(db, userID); err != nil {
		return err
	}
	var changes []feed.Change
	err := db.Transaction(func(tx *gorm.DB) error {
		chat, err := groupChat(tx, chatID)
		if err != nil {
			return err
		}
		if err := requireParticipant(tx, chat.ID, actorID); err != nil {
			return err
		}
		now := storeTime(s.clock)
		p := models.Participant{ChatID: chat.ID, UserID: userID, LastReadAt: now, JoinedAt: now}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		changes = joinChanges(chat.ID, now, userID)
		return s.feed.Stage(tx, changes...)
	})
	if err != nil {
		return storeErr("add participant", err)
	}
	s.feed.Flush(ctx, changes...)
	return nil
}

// LeaveChat 让用户退出群聊。
func (s *ChatService) LeaveChat(ctx context.Context, chatID, userID uint) error {
	var changes []feed.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chat, err := groupChat(tx, chatID)
		if err != nil {
			return err
		}
		res := tx.Where("chat_id = ? AND user_id = ?", chat.ID, userID).Delete(&models.Participant{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotParticipant
		}
		changes = []feed.Change{{Table: feed.TableParticipants, Op: feed.OpDelete, ChatID: chat.ID, UserID: userID, At: storeTime(s.clock)}}
		return s.feed.Stage(tx, changes...)
	})
	if err != nil {
		return storeErr("leave chat", err)
	}
	s.feed.Flush(ctx, changes...)
	return nil
}

// IsParticipant 检查用户是否属于该会话，会话不存在时返回 ErrChatNotFound。
func (s *ChatService) IsParticipant(ctx context.Context, chatID, userID uint) error {
	return checkMember(s.db.WithContext(ctx), chatID, userID)
}

// ChatIDs 返回用户所在的全部会话 id。
func (s *ChatService) ChatIDs(ctx context.Context, userID uint) (map[uint]struct{}, error) {
	var ids []uint
	if err := s.db.WithContext(ctx).Model(&models.Participant{}).Where("user_id = ?", userID).Pluck("chat_id", &ids).Error; err != nil {
		return nil, storeErr("list memberships", err)
	}
	out := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// ListUsers 按用户名列出除调用者以外的所有用户。
func (s *ChatService) ListUsers(ctx context.Context, exceptID uint) ([]UserDTO, error) {
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "username").Where("id <> ?", exceptID).Order("username").Find(&users).Error; err != nil {
		return nil, storeErr("list users", err)
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, UserDTO{ID: u.ID, Username: u.Username})
	}
	return out, nil
}

func groupChat(tx *gorm.DB, chatID uint) (*models.Chat, error) {
	var chat models.Chat
	if err := tx.Take(&chat, chatID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if chat.Kind != models.ChatGroup {
		return nil, ErrDirectImmutable
	}
	return &chat, nil
}

func requireUsers(db *gorm.DB, ids ...uint) error {
	ids = uniqueIDs(ids)
	var n int64
	if err := db.Model(&models.User{}).Where("id IN ?", ids).Count(&n).Error; err != nil {
		return storeErr("load users", err)
	}
	if int(n) != len(ids) {
		return ErrUserNotFound
	}
	return nil
}

func joinChanges(chatID uint, at time.Time, userIDs ...uint) []feed.Change {
	out := make([]feed.Change, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, feed.Change{Table: feed.TableParticipants, Op: feed.OpInsert, ChatID: chatID, UserID: id, At: at})
	}
	return out
}

func uniqueIDs(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
