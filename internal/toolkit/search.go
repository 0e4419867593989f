package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "DeFiAgent-Chain/internal/errors"
)

// SearchResult 是一条网页搜索结果。
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher 提供网页搜索能力。
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SearchConfig 配置搜索客户端。
type SearchConfig struct {
	BaseURL    string
	APIKey     string
	MaxResults int
	Timeout    time.Duration
}

// SearchClient 通过 HTTP 搜索服务执行网页检索。
type SearchClient struct {
	baseURL    string
	apiKey     string
	maxResults int
	httpClient *http.Client
}

// NewSearchClient 创建搜索客户端。
func NewSearchClient(cfg SearchConfig) (*SearchClient, error) {
	if cfg.BaseURL == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "搜索接口地址不能为空")
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SearchClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Search 执行检索，结果按服务端给出的相关性顺序返回。
func (c *SearchClient) Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "搜索关键词不能为空")
	}
	if maxResults <= 0 || maxResults > c.maxResults {
		maxResults = c.maxResults
	}

	payload, err := json.Marshal(map[string]any{
		"api_key":     c.apiKey,
		"query":       query,
		"max_results": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("编码搜索请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建搜索请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "请求搜索接口失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取搜索响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.CodeExecution,
			fmt.Sprintf("搜索接口返回状态码 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeParse, err, "解析搜索响应失败")
	}

	results := make([]SearchResult, 0, len(decoded.Results))
	for _, item := range decoded.Results {
		results = append(results, SearchResult{
			Title:   item.Title,
			URL:     item.URL,
			Snippet: item.Content,
		})
	}
	return results, nil
}
