package model

// IncomingMessage 客户端提交的消息
type IncomingMessage struct {
	ID          string       `json:"id,omitempty"`
	Role        string       `json:"role,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChatRequest 对话请求
// ChatID 由客户端生成（UUID），首次请求前即可确定
type ChatRequest struct {
	ChatID   string            `json:"chat_id" binding:"required"`
	Message  IncomingMessage   `json:"message" binding:"required"`
	Model    string            `json:"model,omitempty"`
	Messages []IncomingMessage `json:"messages,omitempty"` // 客户端持有的历史（匿名用户无服务端存档时使用）
	Options  *ChatOptions      `json:"options,omitempty"`
}

// ChatOptions 对话选项
type ChatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// TruncateRequest 删尾请求（编辑/重试）
// Inclusive 为 true 时连同指定消息一起删除（编辑），false 时只删其后的消息（重试）
type TruncateRequest struct {
	Inclusive bool `json:"inclusive"`
}
