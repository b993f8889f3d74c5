package component

import (
	"context"
	"fmt"

	arkext "github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"pomelo/internal/config"
)

// 本地模型运行器（Ollama）的 OpenAI 兼容端点默认地址
const defaultOllamaBaseURL = "http://localhost:11434/v1"

// NewChatModel 创建 ChatModel
// 模型选择是纯数据查表: 配置里的 provider 字符串决定后端实现，
// 支持 openai, azure, ark, ollama（走 OpenAI 兼容接口）
func NewChatModel(ctx context.Context, mc *config.ModelConfig, opts *config.AIOptionsConfig) (model.ChatModel, error) {
	switch mc.Provider {
	case "openai", "":
		return newOpenAIChatModel(ctx, mc, opts, false)
	case "azure":
		return newOpenAIChatModel(ctx, mc, opts, true)
	case "ollama":
		return newOllamaChatModel(ctx, mc, opts)
	case "ark":
		return newArkChatModel(ctx, mc, opts)
	default:
		return nil, fmt.Errorf("unsupported AI provider: %s", mc.Provider)
	}
}

// newOpenAIChatModel 创建 OpenAI / Azure OpenAI ChatModel
func newOpenAIChatModel(ctx context.Context, mc *config.ModelConfig, opts *config.AIOptionsConfig, byAzure bool) (model.ChatModel, error) {
	modelCfg := &openai.ChatModelConfig{
		Model:   mc.Model,
		APIKey:  mc.APIKey,
		ByAzure: byAzure,
	}

	// Base URL (用于代理或兼容 API，如 OpenRouter)
	if mc.BaseURL != "" {
		modelCfg.BaseURL = mc.BaseURL
	}

	applyOptions(modelCfg, opts)
	return openai.NewChatModel(ctx, modelCfg)
}

// newOllamaChatModel 创建本地 Ollama ChatModel（OpenAI 兼容端点）
func newOllamaChatModel(ctx context.Context, mc *config.ModelConfig, opts *config.AIOptionsConfig) (model.ChatModel, error) {
	baseURL := mc.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	modelCfg := &openai.ChatModelConfig{
		Model:   mc.Model,
		BaseURL: baseURL,
		APIKey:  "ollama", // 本地端点不校验，但 SDK 要求非空
	}

	applyOptions(modelCfg, opts)
	return openai.NewChatModel(ctx, modelCfg)
}

// newArkChatModel 创建 Ark ChatModel（使用 eino-ext 模块）
func newArkChatModel(ctx context.Context, mc *config.ModelConfig, opts *config.AIOptionsConfig) (model.ChatModel, error) {
	baseURL := mc.BaseURL
	if baseURL == "" {
		baseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}

	modelCfg := &arkext.ChatModelConfig{
		Model:   mc.Model,
		APIKey:  mc.APIKey,
		BaseURL: baseURL,
	}

	if opts != nil {
		if opts.Temperature > 0 {
			temp := float32(opts.Temperature)
			modelCfg.Temperature = &temp
		}
		if opts.MaxTokens > 0 {
			maxTokens := opts.MaxTokens
			modelCfg.MaxTokens = &maxTokens
		}
		if opts.TopP > 0 {
			topP := float32(opts.TopP)
			modelCfg.TopP = &topP
		}
	}

	return arkext.NewChatModel(ctx, modelCfg)
}

// applyOptions 应用模型参数到 OpenAI 配置
func applyOptions(modelCfg *openai.ChatModelConfig, opts *config.AIOptionsConfig) {
	if opts == nil {
		return
	}
	if opts.Temperature > 0 {
		temp := float32(opts.Temperature)
		modelCfg.Temperature = &temp
	}
	if opts.MaxTokens > 0 {
		maxTokens := opts.MaxTokens
		modelCfg.MaxTokens = &maxTokens
	}
	if opts.TopP > 0 {
		topP := float32(opts.TopP)
		modelCfg.TopP = &topP
	}
}
