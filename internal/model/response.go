package model

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code          int    `json:"code"`
	Message       string `json:"message"`
	Detail        string `json:"detail,omitempty"`
	RequiresLogin bool   `json:"requires_login,omitempty"`
}

// TokenUsage Token 使用统计
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// 流式事件类型
const (
	EventTextDelta  = "text-delta"
	EventReasoning  = "reasoning"
	EventToolCall   = "tool-call"
	EventToolResult = "tool-result"
	EventMessage    = "message" // 恢复时回放已落库的完整消息
	EventError      = "error"
	EventDone       = "done"
)

// StreamEvent 流式事件
// 一次生成产生的事件序列以 done 或 error 结束；事件顺序即生成顺序
type StreamEvent struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	ToolArgs   string      `json:"tool_args,omitempty"`
	ToolResult string      `json:"tool_result,omitempty"`
	Message    *Message    `json:"message,omitempty"` // done: 组装完成的助手消息; message: 落库消息回放
	Error      string      `json:"error,omitempty"`
	Usage      *TokenUsage `json:"usage,omitempty"`
}

// Terminal 是否为终态事件
func (e *StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ShareResponse 分享响应
type ShareResponse struct {
	SharePath string `json:"share_path"`
	ShareURL  string `json:"share_url"`
}
