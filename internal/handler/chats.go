package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"pomelo/internal/model"
	"pomelo/internal/pkg/cache"
	"pomelo/internal/pkg/ctxutil"
	"pomelo/internal/pkg/id"
	"pomelo/internal/repository"
	"pomelo/internal/service"
)

// ChatsHandler 对话管理处理器（历史、详情、删除、分享、删尾）
type ChatsHandler struct {
	chats   *repository.ChatRepo
	msgs    *repository.MessageRepo
	streams *repository.StreamRepo
	svc     *service.ChatService
	cache   *cache.RedisCache
}

// NewChatsHandler 创建对话管理处理器
func NewChatsHandler(chats *repository.ChatRepo, msgs *repository.MessageRepo, streams *repository.StreamRepo, svc *service.ChatService, redisCache *cache.RedisCache) *ChatsHandler {
	return &ChatsHandler{
		chats:   chats,
		msgs:    msgs,
		streams: streams,
		svc:     svc,
		cache:   redisCache,
	}
}

// List 获取对话列表
// @Summary 当前用户的对话列表（不含消息），按更新时间倒序
// @Tags chats
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/v1/chats [get]
func (h *ChatsHandler) List(c *gin.Context) {
	userID, ok := ctxutil.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Code:    40101,
			Message: "Authentication required",
		})
		return
	}

	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)
	offset, _ := strconv.ParseInt(c.DefaultQuery("offset", "0"), 10, 64)
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	// 只缓存第一页: 历史页默认打开的就是它
	cacheable := h.cache != nil && offset == 0 && limit == 20
	if cacheable {
		var cached []*model.Chat
		if err := h.cache.Get(c.Request.Context(), cache.ChatListCacheKey(userID), &cached); err == nil {
			c.JSON(http.StatusOK, gin.H{"chats": cached, "total": len(cached)})
			return
		}
	}

	chats, err := h.chats.ListByUserID(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to list chats",
			Detail:  err.Error(),
		})
		return
	}

	if cacheable {
		if err := h.cache.Set(c.Request.Context(), cache.ChatListCacheKey(userID), chats, cache.ChatListCacheTTL); err != nil {
			log.Warn().Err(err).Msg("failed to cache chat list")
		}
	}

	c.JSON(http.StatusOK, gin.H{"chats": chats, "total": len(chats)})
}

// Get 获取对话详情（含消息）
// @Summary 对话详情
// @Tags chats
// @Produce json
// @Param id path string true "对话 ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/chats/{id} [get]
func (h *ChatsHandler) Get(c *gin.Context) {
	chat, ok := h.ownedChat(c)
	if !ok {
		return
	}

	msgs, err := h.msgs.ListByChat(c.Request.Context(), chat.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to load messages",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chat": chat, "messages": msgs})
}

// Delete 删除对话及其消息和流句柄
// @Summary 删除对话
// @Tags chats
// @Produce json
// @Param id path string true "对话 ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/chats/{id} [delete]
func (h *ChatsHandler) Delete(c *gin.Context) {
	userID, _ := ctxutil.GetUserID(c.Request.Context())
	chat, ok := h.ownedChat(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.chats.Delete(ctx, chat.ID, userID); err != nil {
		if errors.Is(err, repository.ErrChatNotFound) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Code:    40401,
				Message: "Chat not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to delete chat",
			Detail:  err.Error(),
		})
		return
	}

	// 附属数据清理失败不影响主删除结果，只记日志
	if err := h.msgs.DeleteByChat(ctx, chat.ID); err != nil {
		log.Warn().Err(err).Str("chat_id", chat.ID).Msg("failed to delete chat messages")
	}
	if err := h.streams.DeleteByChat(ctx, chat.ID); err != nil {
		log.Warn().Err(err).Str("chat_id", chat.ID).Msg("failed to delete chat streams")
	}
	h.invalidateList(c, userID)

	c.JSON(http.StatusOK, gin.H{"message": "Chat deleted"})
}

// Share 开启分享
// @Summary 为对话生成公开分享路径
// @Tags chats
// @Produce json
// @Param id path string true "对话 ID"
// @Success 200 {object} model.ShareResponse
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/chats/{id}/share [post]
func (h *ChatsHandler) Share(c *gin.Context) {
	userID, _ := ctxutil.GetUserID(c.Request.Context())
	chat, ok := h.ownedChat(c)
	if !ok {
		return
	}

	// 已分享过则沿用原路径，分享链接保持稳定
	sharePath := chat.SharePath
	if sharePath == "" {
		sharePath = id.New()
		if err := h.chats.SetSharePath(c.Request.Context(), chat.ID, userID, sharePath); err != nil {
			c.JSON(http.StatusInternalServerError, model.ErrorResponse{
				Code:    50001,
				Message: "Failed to share chat",
				Detail:  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, model.ShareResponse{
		SharePath: sharePath,
		ShareURL:  "/api/v1/share/" + sharePath,
	})
}

// Unshare 取消分享
// @Summary 取消对话分享
// @Tags chats
// @Produce json
// @Param id path string true "对话 ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/chats/{id}/share [delete]
func (h *ChatsHandler) Unshare(c *gin.Context) {
	userID, _ := ctxutil.GetUserID(c.Request.Context())
	chat, ok := h.ownedChat(c)
	if !ok {
		return
	}

	if chat.SharePath != "" {
		if err := h.chats.ClearSharePath(c.Request.Context(), chat.ID, userID); err != nil {
			c.JSON(http.StatusInternalServerError, model.ErrorResponse{
				Code:    50001,
				Message: "Failed to unshare chat",
				Detail:  err.Error(),
			})
			return
		}
		if h.cache != nil {
			if err := h.cache.Delete(c.Request.Context(), cache.SharedChatCacheKey(chat.SharePath)); err != nil {
				log.Warn().Err(err).Msg("failed to invalidate shared chat cache")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Chat unshared"})
}

// SharedView 公开分享视图（只读）
// @Summary 查看分享的对话
// @Tags chats
// @Produce json
// @Param path path string true "分享路径"
// @Success 200 {object} map[string]any
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/share/{path} [get]
func (h *ChatsHandler) SharedView(c *gin.Context) {
	sharePath := c.Param("path")
	ctx := c.Request.Context()

	type sharedView struct {
		Title    string           `json:"title"`
		Messages []*model.Message `json:"messages"`
	}

	if h.cache != nil {
		var cached sharedView
		if err := h.cache.Get(ctx, cache.SharedChatCacheKey(sharePath), &cached); err == nil {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	chat, err := h.chats.FindBySharePath(ctx, sharePath)
	if err != nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Shared chat not found",
		})
		return
	}

	msgs, err := h.msgs.ListByChat(ctx, chat.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to load messages",
			Detail:  err.Error(),
		})
		return
	}

	view := sharedView{Title: chat.Title, Messages: msgs}
	if h.cache != nil {
		if err := h.cache.Set(ctx, cache.SharedChatCacheKey(sharePath), view, cache.SharedChatCacheTTL); err != nil {
			log.Warn().Err(err).Msg("failed to cache shared chat")
		}
	}

	c.JSON(http.StatusOK, view)
}

// Truncate 删尾（编辑/重试前的清场）
// @Summary 删除某条消息及其后（或仅其后）的消息
// @Tags chats
// @Accept json
// @Produce json
// @Param id path string true "对话 ID"
// @Param messageId path string true "消息 ID"
// @Param request body model.TruncateRequest true "删尾选项"
// @Success 200 {object} map[string]any
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/chats/{id}/messages/{messageId}/truncate [post]
func (h *ChatsHandler) Truncate(c *gin.Context) {
	chat, ok := h.ownedChat(c)
	if !ok {
		return
	}

	var req model.TruncateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}

	if err := h.svc.TruncateFrom(c.Request.Context(), chat.ID, c.Param("messageId"), req.Inclusive); err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to truncate messages",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Messages truncated"})
}

// ownedChat 取路径参数里的对话并校验归属；失败时已写好响应
func (h *ChatsHandler) ownedChat(c *gin.Context) (*model.Chat, bool) {
	userID, ok := ctxutil.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Code:    40101,
			Message: "Authentication required",
		})
		return nil, false
	}

	chat, err := h.chats.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil || chat.UserID != userID {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Chat not found",
		})
		return nil, false
	}
	return chat, true
}

// invalidateList 使对话列表缓存失效
func (h *ChatsHandler) invalidateList(c *gin.Context, userID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Delete(c.Request.Context(), cache.ChatListCacheKey(userID)); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate chat list cache")
	}
}
