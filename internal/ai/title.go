package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"pomelo/internal/ai/component"
)

const titlePromptFormat = `Generate a short title under 10 words for this query: %s

Rules:
- no quotation marks
- no markdown, html, new lines, or special characters
- keep it short and concise
`

// GenerateTitle 根据首轮用户消息生成对话标题
func (e *Engine) GenerateTitle(ctx context.Context, userMessage string) (string, error) {
	selector := e.cfg.TitleModel
	if selector == "" {
		selector = e.cfg.DefaultModel
	}
	mc, ok := e.cfg.Models[selector]
	if !ok {
		return "", fmt.Errorf("unknown title model: %s", selector)
	}

	cm, err := component.NewChatModel(ctx, &mc, &e.cfg.Options)
	if err != nil {
		return "", err
	}

	resp, err := cm.Generate(ctx, []*schema.Message{
		schema.UserMessage(fmt.Sprintf(titlePromptFormat, userMessage)),
	})
	if err != nil {
		return "", err
	}

	title := strings.TrimSpace(resp.Content)
	title = strings.Trim(title, `"'`)
	if title == "" {
		return "", fmt.Errorf("empty title generated")
	}
	return title, nil
}
