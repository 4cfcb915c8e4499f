package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/apperr"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/auth"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/models"
	"github.com/gowdashreyas493-oss/skillspark-placement/internal/service"
	"github.com/rs/zerolog/log"
)

// Analyzer 按需对单条消息执行审核。
type Analyzer interface {
	Analyze(ctx context.Context, messageID uint, body string) (*models.Analysis, error)
}

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	chatSvc      *service.ChatService
	msgSvc       *service.MessageService
	typingSvc    *service.TypingService
	analyticsSvc *service.AnalyticsService
	analyzer     Analyzer
}

func NewHandler(chatSvc *service.ChatService, msgSvc *service.MessageService, typingSvc *service.TypingService, analyticsSvc *service.AnalyticsService, analyzer Analyzer) *Handler {
	return &Handler{chatSvc: chatSvc, msgSvc: msgSvc, typingSvc: typingSvc, analyticsSvc: analyticsSvc, analyzer: analyzer}
}

// fail 以 {"error", "code"} 输出错误，内部原因只记日志不返回。
func fail(c *gin.Context, op string, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeInternal {
		log.Error().Err(err).Str("op", op).Uint("user_id", auth.GetUserID(c)).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(apperr.HTTPStatus(code), gin.H{"error": apperr.MessageOf(err), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": apperr.CodeInvalidArgument})
}

func idParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(v), true
}

// ListUsers 返回调用者可以发起会话的所有用户。
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.chatSvc.ListUsers(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, "list users", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *Handler) ListChats(c *gin.Context) {
	chats, err := h.chatSvc.ListChats(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, "list chats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// CreateDirectChat 返回调用者与 user_id 的单聊，首次使用时创建。
func (h *Handler) CreateDirectChat(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	id, created, err := h.chatSvc.GetOrCreateDirectChat(c.Request.Context(), auth.GetUserID(c), req.UserID)
	if err != nil {
		fail(c, "create direct chat", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": id, "created": created})
}

func (h *Handler) CreateGroupChat(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		MemberIDs []uint `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	id, err := h.chatSvc.CreateGroupChat(c.Request.Context(), auth.GetUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		fail(c, "create group chat", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (h *Handler) AddParticipant(c *gin.Context) {
	chatID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uint `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.chatSvc.AddParticipant(c.Request.Context(), chatID, auth.GetUserID(c), req.UserID); err != nil {
		fail(c, "add participant", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) LeaveChat(c *gin.Context) {
	chatID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.chatSvc.LeaveChat(c.Request.Context(), chatID, auth.GetUserID(c)); err != nil {
		fail(c, "leave chat", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) MarkRead(c *gin.Context) {
	chatID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.chatSvc.MarkRead(c.Request.Context(), chatID, auth.GetUserID(c)); err != nil {
		fail(c, "mark read", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages 分页查询会话消息：limit（默认 50，最大 200）与 before_id 决定页，按时间升序返回。
func (h *Handler) ListMessages(c *gin.Context) {
	chatID, ok := idParam(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		v, err := strconv.ParseUint(bid, 10, 64)
		if err != nil {
			badRequest(c, "invalid before_id")
			return
		}
		beforeID = uint(v)
	}
	msgs, err := h.msgSvc.History(c.Request.Context(), chatID, auth.GetUserID(c), beforeID, limit)
	if err != nil {
		fail(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) SendMessage(c *gin.Context) {
	chatID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.msgSvc.Publish(c.Request.Context(), chatID, auth.GetUserID(c), req.Body)
	if err != nil {
		fail(c, "send message", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.Delete(c.Request.Context(), id, auth.GetUserID(c)); err != nil {
		fail(c, "delete message", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetTyping(c *gin.Context) {
	chatID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		IsTyping *bool `json:"is_typing" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if err := h.typingSvc.Set(c.Request.Context(), chatID, auth.GetUserID(c), *req.IsTyping); err != nil {
		fail(c, "set typing", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListTyping(c *gin.Context) {
	chatID, ok := idParam(c, "id")
	if !ok {
		return
	}
	typers, err := h.typingSvc.Active(c.Request.Context(), chatID, auth.GetUserID(c))
	if err != nil {
		fail(c, "list typing", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typing": typers})
}

// GetAnalysis 在消息分析完成前返回 {"status": "pending"}。
func (h *Handler) GetAnalysis(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := h.msgSvc.Analysis(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, "get analysis", err)
		return
	}
	if a == nil {
		c.JSON(http.StatusOK, gin.H{"status": "pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "analyzed", "analysis": a})
}

// Reanalyze 立即对消息执行审核并返回保存的结果。
func (h *Handler) Reanalyze(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	msg, err := h.msgSvc.Get(c.Request.Context(), id, auth.GetUserID(c))
	if err != nil {
		fail(c, "reanalyze", err)
		return
	}
	row, err := h.analyzer.Analyze(c.Request.Context(), msg.ID, msg.Body)
	if err != nil {
		fail(c, "reanalyze", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "analyzed", "analysis": service.NewAnalysisDTO(*row)})
}

func (h *Handler) Stats(c *gin.Context) {
	st, err := h.analyticsSvc.Stats(c.Request.Context())
	if err != nil {
		fail(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}
