package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"pomelo/internal/model"
	"pomelo/internal/pkg/ctxutil"
	"pomelo/internal/pkg/id"
	"pomelo/internal/pkg/quota"
	"pomelo/internal/service"
)

// ChatHandler 对话处理器
type ChatHandler struct {
	svc  *service.ChatService
	gate *quota.Gate
}

// NewChatHandler 创建对话处理器
func NewChatHandler(svc *service.ChatService, gate *quota.Gate) *ChatHandler {
	return &ChatHandler{svc: svc, gate: gate}
}

// Chat 提交新回合 (SSE)
// @Summary 提交一轮对话，流式返回生成事件
// @Tags chat
// @Accept json
// @Produce text/event-stream
// @Param request body model.ChatRequest true "对话请求"
// @Success 200 {string} string "SSE event stream"
// @Failure 400 {object} model.ErrorResponse
// @Failure 403 {object} model.ErrorResponse
// @Router /api/v1/chat [post]
func (h *ChatHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid request body",
			Detail:  err.Error(),
		})
		return
	}

	if !id.IsValid(req.ChatID) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40002,
			Message: "chat_id must be a valid UUID",
		})
		return
	}
	if req.Message.Content == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40003,
			Message: "message content is required",
		})
		return
	}

	userID, _ := ctxutil.GetUserID(c.Request.Context())

	in := &service.SubmitInput{
		ChatID:        req.ChatID,
		UserID:        userID,
		Message:       req.Message,
		Model:         req.Model,
		Options:       req.Options,
		ClientHistory: req.Messages,
	}
	if userID == "" {
		cookie, _ := c.Cookie(quota.CookieName)
		in.Credits = h.gate.Parse(cookie)
	}

	res, err := h.svc.Submit(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, service.ErrQuotaExhausted) {
			c.JSON(http.StatusForbidden, model.ErrorResponse{
				Code:          40301,
				Message:       "Free message quota exhausted, please sign in",
				RequiresLogin: true,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to start chat",
			Detail:  err.Error(),
		})
		return
	}

	if res.Anonymous {
		c.SetCookie(quota.CookieName, h.gate.Format(res.Remaining), h.gate.MaxAgeSeconds(), "/", "", false, true)
		c.Header(quota.RemainingHeader, h.gate.Format(res.Remaining))
	}
	c.Header("X-Chat-Id", req.ChatID)
	c.Header("X-Stream-Id", res.StreamID)

	streamEvents(c, res.Events)
}

// Resume 恢复最近一条流 (SSE)
// @Summary 恢复对话最近一次生成的事件流
// @Tags chat
// @Produce text/event-stream
// @Param chat_id query string true "对话 ID"
// @Success 200 {string} string "SSE event stream"
// @Failure 400 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Router /api/v1/chat [get]
func (h *ChatHandler) Resume(c *gin.Context) {
	chatID := c.Query("chat_id")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40002,
			Message: "chat_id is required",
		})
		return
	}

	userID, ok := ctxutil.GetUserID(c.Request.Context())
	if !ok {
		// 匿名对话没有服务端流登记，无从恢复
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Code:    40101,
			Message: "Authentication required to resume",
		})
		return
	}

	chat, err := h.svc.FindChat(c.Request.Context(), chatID)
	if err != nil || chat.UserID != userID {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Code:    40401,
			Message: "Chat not found",
		})
		return
	}

	events, err := h.svc.Resume(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, service.ErrNoStreams) {
			c.JSON(http.StatusNotFound, model.ErrorResponse{
				Code:    40402,
				Message: "No streams to resume",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to resume chat",
			Detail:  err.Error(),
		})
		return
	}

	c.Header("X-Chat-Id", chatID)
	streamEvents(c, events)
}

// streamEvents 把生成事件作为 SSE 写出，事件名即事件类型
func streamEvents(c *gin.Context, events <-chan *model.StreamEvent) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(ev.Type, ev)
		return true
	})
}
