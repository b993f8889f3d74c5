package ai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"
)

const webSearchToolName = "web_search"

// SearchClient 网络搜索能力
// 返回 JSON 编码的搜索结果，作为工具消息注入模型上下文
type SearchClient interface {
	Search(ctx context.Context, query string) (string, error)
}

// webSearchToolInfo 网络搜索工具声明
func webSearchToolInfo() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: webSearchToolName,
		Desc: "Search the web for up-to-date information",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "The search query",
				Required: true,
			},
		}),
	}
}

// executeTool 执行工具调用
func (e *Engine) executeTool(ctx context.Context, tc schema.ToolCall) (string, error) {
	if tc.Function.Name != webSearchToolName {
		return "", fmt.Errorf("unknown tool: %s", tc.Function.Name)
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
		return "", fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("empty search query")
	}

	return e.search.Search(ctx, args.Query)
}
