package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义知识库检索的通用接口。
// 入参是用户消息与动作类型（如工具名），返回可注入提示词的知识条目。
type Provider interface {
	Query(message, action string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
// Keywords 与用户消息匹配，Tags 与动作类型（工具名）或消息匹配；
// 两者都为空的条目视为通用知识兜底。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// StaticProvider 通过加载 JSON 文件提供静态知识检索能力，按相关度排序返回。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 做轻量的相关度检索：关键词命中用户消息权重最高，
// 标签命中动作类型或消息次之，通用条目作为兜底。
// 结果按得分降序截断到 maxResults，得分相同时保持条目的原始顺序。
func (p *StaticProvider) Query(message, action string) []Snippet {
	if p == nil {
		return nil
	}

	message = strings.ToLower(strings.TrimSpace(message))
	action = strings.ToLower(strings.TrimSpace(action))

	type scored struct {
		snippet Snippet
		score   int
	}
	matched := make([]scored, 0, len(p.items))
	for _, item := range p.items {
		if score := relevance(item, message, action); score > 0 {
			matched = append(matched, scored{snippet: item, score: score})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].score > matched[j].score
	})
	if len(matched) > p.maxResults {
		matched = matched[:p.maxResults]
	}

	results := make([]Snippet, len(matched))
	for i, entry := range matched {
		results[i] = entry.snippet
	}
	return results
}

// relevance 计算条目与本次请求的相关度：
// 关键词命中消息计 2 分，标签等于动作类型或出现在消息里计 1 分。
func relevance(snippet Snippet, message, action string) int {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return 1
	}

	score := 0
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(message, normalized) {
			score += 2
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if normalized == action || strings.Contains(message, normalized) {
			score++
		}
	}
	return score
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
