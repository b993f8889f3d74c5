package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"pomelo/internal/ai/component"
	"pomelo/internal/config"
	"pomelo/internal/model"
)

const systemPrompt = `You are a helpful assistant. Be helpful and concise.
Rules:
- Use markdown to format your responses if needed.
- Use markdown for code blocks, wrap the code in ` + "```" + ` and add the programming language to the code block.`

// 工具调用后允许继续生成的最大轮数
const maxGenerateSteps = 2

// Engine 生成引擎
// 把多家模型后端收敛成一个能力: 给定历史和模型 key，产出一条有限的
// 事件序列（文本/推理增量、工具调用、终态）。引擎本身不重试，后端
// 错误以 error 事件收尾
type Engine struct {
	cfg    *config.AIConfig
	search SearchClient // nil 时禁用搜索工具
}

// NewEngine 创建生成引擎
func NewEngine(cfg *config.AIConfig, search SearchClient) *Engine {
	if search == nil {
		log.Warn().Msg("search client not configured, web search tool disabled")
	}
	return &Engine{
		cfg:    cfg,
		search: search,
	}
}

// GenerateOptions 单次生成选项
// Options 覆盖配置里的默认采样参数，零值字段不生效
type GenerateOptions struct {
	ToolsEnabled bool
	Options      *model.ChatOptions
}

// Generate 流式生成
// 返回的通道按生成顺序吐事件，以 done（携带组装完成的助手消息）或
// error 结束后关闭；通道只应有一个消费者
func (e *Engine) Generate(ctx context.Context, history []*model.Message, selector string, opts GenerateOptions) <-chan *model.StreamEvent {
	ch := make(chan *model.StreamEvent, 16)
	go func() {
		defer close(ch)
		e.run(ctx, ch, history, selector, opts)
	}()
	return ch
}

func (e *Engine) run(ctx context.Context, ch chan<- *model.StreamEvent, history []*model.Message, selector string, opts GenerateOptions) {
	emit := func(ev *model.StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if selector == "" {
		selector = e.cfg.DefaultModel
	}
	mc, ok := e.cfg.Models[selector]
	if !ok {
		emit(&model.StreamEvent{
			Type:  model.EventError,
			Error: fmt.Sprintf("Unknown model %q. Please pick one of the configured models.", selector),
		})
		return
	}

	cm, err := component.NewChatModel(ctx, &mc, e.samplingOptions(opts))
	if err != nil {
		emit(&model.StreamEvent{Type: model.EventError, Error: classifyError(err)})
		return
	}

	// 本地模型对工具调用支持参差，禁用（与托管后端行为一致时可放开）
	toolsOn := opts.ToolsEnabled && e.search != nil && mc.Provider != "ollama"
	if toolsOn {
		if err := cm.BindTools([]*schema.ToolInfo{webSearchToolInfo()}); err != nil {
			log.Warn().Err(err).Str("model", selector).Msg("failed to bind tools, continuing without")
			toolsOn = false
		}
	}

	msgs := buildPrompt(history)

	var parts []model.MessagePart
	var usage *model.TokenUsage

	for step := 0; step < maxGenerateSteps; step++ {
		full, stepParts, err := e.streamStep(ctx, emit, cm, msgs)
		if err != nil {
			emit(&model.StreamEvent{Type: model.EventError, Error: classifyError(err)})
			return
		}
		parts = append(parts, stepParts...)
		usage = addUsage(usage, full)

		if !toolsOn || len(full.ToolCalls) == 0 || step == maxGenerateSteps-1 {
			break
		}

		// 工具轮: 执行调用，把调用记录和结果注回上下文继续生成。
		// 调用记录和后续回答都进入最终消息的 parts，保持原始顺序
		msgs = append(msgs, full)
		for _, tc := range full.ToolCalls {
			if !emit(&model.StreamEvent{
				Type:     model.EventToolCall,
				ToolName: tc.Function.Name,
				ToolArgs: tc.Function.Arguments,
			}) {
				return
			}

			result, err := e.executeTool(ctx, tc)
			if err != nil {
				log.Warn().Err(err).Str("tool", tc.Function.Name).Msg("tool execution failed")
				result = fmt.Sprintf(`{"error":%q}`, err.Error())
			}

			if !emit(&model.StreamEvent{
				Type:       model.EventToolResult,
				ToolName:   tc.Function.Name,
				ToolResult: result,
			}) {
				return
			}

			parts = append(parts, model.MessagePart{
				Type:       model.PartTypeToolInvocation,
				ToolName:   tc.Function.Name,
				ToolArgs:   tc.Function.Arguments,
				ToolResult: result,
			})
			msgs = append(msgs, schema.ToolMessage(result, tc.ID))
		}
	}

	final := &model.Message{
		Role:       model.RoleAssistant,
		Parts:      parts,
		TokenUsage: usage,
	}
	emit(&model.StreamEvent{Type: model.EventDone, Message: final, Usage: usage})
}

// samplingOptions 合并配置默认值与单次请求的采样参数覆盖
func (e *Engine) samplingOptions(opts GenerateOptions) *config.AIOptionsConfig {
	effective := e.cfg.Options
	if o := opts.Options; o != nil {
		if o.Temperature > 0 {
			effective.Temperature = o.Temperature
		}
		if o.MaxTokens > 0 {
			effective.MaxTokens = o.MaxTokens
		}
		if o.TopP > 0 {
			effective.TopP = o.TopP
		}
	}
	return &effective
}

// streamStep 执行一轮流式生成
// 文本增量经 think 剥离和词边界平滑后逐个发出；返回拼接完成的完整
// 响应消息和这一轮产生的内容片段
func (e *Engine) streamStep(ctx context.Context, emit func(*model.StreamEvent) bool, cm einomodel.ChatModel, msgs []*schema.Message) (*schema.Message, []model.MessagePart, error) {
	sr, err := cm.Stream(ctx, msgs)
	if err != nil {
		return nil, nil, err
	}
	defer sr.Close()

	extractor := &thinkExtractor{}
	smoother := newWordSmoother()
	var reasonBuf, textBuf strings.Builder

	emitText := func(reasoning, text string) bool {
		if reasoning != "" {
			reasonBuf.WriteString(reasoning)
			if !emit(&model.StreamEvent{Type: model.EventReasoning, Text: reasoning}) {
				return false
			}
		}
		for _, word := range smoother.feed(text) {
			textBuf.WriteString(word)
			if !emit(&model.StreamEvent{Type: model.EventTextDelta, Text: word}) {
				return false
			}
		}
		return true
	}

	var chunks []*schema.Message
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		chunks = append(chunks, msg)

		if msg.Content != "" {
			reasoning, text := extractor.feed(msg.Content)
			if !emitText(reasoning, text) {
				return nil, nil, ctx.Err()
			}
		}
	}

	reasoning, text := extractor.flush()
	if !emitText(reasoning, text) {
		return nil, nil, ctx.Err()
	}
	for _, word := range smoother.flush() {
		textBuf.WriteString(word)
		if !emit(&model.StreamEvent{Type: model.EventTextDelta, Text: word}) {
			return nil, nil, ctx.Err()
		}
	}

	if len(chunks) == 0 {
		return nil, nil, errors.New("model returned empty stream")
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, nil, err
	}

	var parts []model.MessagePart
	if reasonBuf.Len() > 0 {
		parts = append(parts, model.MessagePart{Type: model.PartTypeReasoning, Text: reasonBuf.String()})
	}
	if textBuf.Len() > 0 {
		parts = append(parts, model.MessagePart{Type: model.PartTypeText, Text: textBuf.String()})
	}
	return full, parts, nil
}

// buildPrompt 把对话历史转换为模型输入
func buildPrompt(history []*model.Message) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+1)
	msgs = append(msgs, schema.SystemMessage(systemPrompt))
	for _, m := range history {
		switch m.Role {
		case model.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Text(), nil))
		default:
			msgs = append(msgs, schema.UserMessage(m.Text()))
		}
	}
	return msgs
}

// addUsage 累加各轮的 token 用量
func addUsage(usage *model.TokenUsage, msg *schema.Message) *model.TokenUsage {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return usage
	}
	if usage == nil {
		usage = &model.TokenUsage{}
	}
	usage.PromptTokens += msg.ResponseMeta.Usage.PromptTokens
	usage.CompletionTokens += msg.ResponseMeta.Usage.CompletionTokens
	usage.TotalTokens += msg.ResponseMeta.Usage.TotalTokens
	return usage
}

// classifyError 把后端错误翻译成用户可操作的提示
// 仅基于错误描述分类，不做重试
func classifyError(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(msg, "11434"):
		return "Failed to connect to local AI model. Please ensure Ollama is running:\n\n```bash\nollama serve\n```\n\nThen verify your model is available:\n```bash\nollama list\n```"
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return "AI model not found. Please ensure the model is installed:\n\n```bash\nollama pull <model-name>\n```\n\nTo see available models:\n```bash\nollama list\n```"
	default:
		return "Error: " + msg
	}
}
