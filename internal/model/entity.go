package model

import (
	"time"
)

// Chat 对话实体
// _id 为客户端生成的 UUID 字符串，客户端在首次请求前即可确定对话地址
type Chat struct {
	ID        string    `bson:"_id" json:"id"`
	UserID    string    `bson:"user_id" json:"user_id"`
	Title     string    `bson:"title" json:"title"`
	SharePath string    `bson:"share_path,omitempty" json:"share_path,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// 消息内容片段类型
const (
	PartTypeText           = "text"
	PartTypeReasoning      = "reasoning"
	PartTypeToolInvocation = "tool-invocation"
)

// MessagePart 消息内容片段（有序，带类型标签）
type MessagePart struct {
	Type       string `bson:"type" json:"type"`
	Text       string `bson:"text,omitempty" json:"text,omitempty"`
	ToolName   string `bson:"tool_name,omitempty" json:"tool_name,omitempty"`
	ToolArgs   string `bson:"tool_args,omitempty" json:"tool_args,omitempty"`
	ToolResult string `bson:"tool_result,omitempty" json:"tool_result,omitempty"`
}

// Attachment 消息附件引用（文件本体存于 storage 后端）
type Attachment struct {
	Name        string `bson:"name" json:"name"`
	ContentType string `bson:"content_type" json:"content_type"`
	URL         string `bson:"url" json:"url"`
}

// Message 消息
// 按 created_at 排序构成对话时间线（_id 仅作同刻 tiebreak）；写入后不原地修改，
// 编辑/重试通过删尾+重放实现
type Message struct {
	ID          string        `bson:"_id" json:"id"`
	ChatID      string        `bson:"chat_id" json:"chat_id"`
	Role        string        `bson:"role" json:"role"`
	Parts       []MessagePart `bson:"parts" json:"parts"`
	Attachments []Attachment  `bson:"attachments,omitempty" json:"attachments,omitempty"`
	TokenUsage  *TokenUsage   `bson:"token_usage,omitempty" json:"token_usage,omitempty"`
	CreatedAt   time.Time     `bson:"created_at" json:"created_at"`
}

// Text 拼接消息中所有文本片段
func (m *Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			s += p.Text
		}
	}
	return s
}

// Stream 流句柄
// 在生成开始前写入，使得提交后立即断线的客户端仍能发现并恢复该流；
// 只增不改，最近一条是唯一会被恢复的
type Stream struct {
	ID        string    `bson:"_id" json:"id"`
	ChatID    string    `bson:"chat_id" json:"chat_id"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}
