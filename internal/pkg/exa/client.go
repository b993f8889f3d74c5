package exa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pomelo/internal/config"
)

const (
	defaultBaseURL    = "https://api.exa.ai"
	defaultNumResults = 3
	maxContentRunes   = 1000
)

// Client Exa 搜索客户端封装
// 用于网络搜索工具（search and contents 接口）
// 参考: https://docs.exa.ai/reference/search
type Client struct {
	apiKey     string
	baseURL    string
	numResults int
	httpClient *http.Client
}

// NewClient 创建 Exa 客户端
func NewClient(cfg *config.SearchConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Exa API key is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	numResults := cfg.NumResults
	if numResults <= 0 {
		numResults = defaultNumResults
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		numResults: numResults,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// searchRequest 搜索请求
type searchRequest struct {
	Query      string         `json:"query"`
	NumResults int            `json:"numResults"`
	LiveCrawl  string         `json:"livecrawl"`
	Contents   searchContents `json:"contents"`
}

type searchContents struct {
	Text bool `json:"text"`
}

// searchResponse 搜索响应
type searchResponse struct {
	Results []struct {
		Title         string `json:"title"`
		URL           string `json:"url"`
		Text          string `json:"text"`
		PublishedDate string `json:"publishedDate"`
	} `json:"results"`
}

// SearchResult 单条搜索结果
type SearchResult struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	Content       string `json:"content"`
	PublishedDate string `json:"published_date,omitempty"`
}

// Search 执行搜索并返回 JSON 编码的结果列表
// 每条结果的正文截断到 1000 字符
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	reqBody := searchRequest{
		Query:      query,
		NumResults: c.numResults,
		LiveCrawl:  "always",
		Contents:   searchContents{Text: true},
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("exa search failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var searchResp searchResponse
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return "", err
	}

	results := make([]SearchResult, 0, len(searchResp.Results))
	for _, r := range searchResp.Results {
		results = append(results, SearchResult{
			Title:         r.Title,
			URL:           r.URL,
			Content:       truncateRunes(r.Text, maxContentRunes),
			PublishedDate: r.PublishedDate,
		})
	}

	out, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// truncateRunes 按 rune 截断字符串
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
