package handler

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"pomelo/internal/model"
	"pomelo/internal/pkg/ctxutil"
	"pomelo/internal/pkg/id"
	"pomelo/internal/pkg/storage"
)

// 附件限制: 消息里只引用 URL，生成端不读附件内容
const maxAttachmentSize = 5 << 20

var allowedAttachmentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// AttachmentHandler 附件上传处理器
type AttachmentHandler struct {
	storage storage.Storage
}

// NewAttachmentHandler 创建附件上传处理器
func NewAttachmentHandler(st storage.Storage) *AttachmentHandler {
	return &AttachmentHandler{storage: st}
}

// Upload 上传附件
// @Summary 上传消息附件，返回可在消息中引用的 URL
// @Tags attachments
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "附件文件"
// @Success 201 {object} model.Attachment
// @Failure 400 {object} model.ErrorResponse
// @Failure 413 {object} model.ErrorResponse
// @Router /api/v1/attachments [post]
func (h *AttachmentHandler) Upload(c *gin.Context) {
	if _, ok := ctxutil.GetUserID(c.Request.Context()); !ok {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{
			Code:    40101,
			Message: "Authentication required",
		})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40001,
			Message: "Invalid file",
			Detail:  err.Error(),
		})
		return
	}

	if file.Size > maxAttachmentSize {
		c.JSON(http.StatusRequestEntityTooLarge, model.ErrorResponse{
			Code:    41301,
			Message: "File exceeds 5MB limit",
		})
		return
	}

	contentType := file.Header.Get("Content-Type")
	if !allowedAttachmentTypes[contentType] {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40004,
			Message: "Unsupported file type, only images and PDF are allowed",
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Code:    40005,
			Message: "Failed to open file",
			Detail:  err.Error(),
		})
		return
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(file.Filename))
	key := "attachments/" + id.New() + ext

	url, err := h.storage.Upload(c.Request.Context(), key, src, contentType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Code:    50001,
			Message: "Failed to store attachment",
			Detail:  err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, model.Attachment{
		Name:        file.Filename,
		ContentType: contentType,
		URL:         url,
	})
}
