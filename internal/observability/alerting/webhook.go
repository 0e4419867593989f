package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 通过 HTTP POST 将文本推送到机器人 webhook。
// 消息体使用钉钉机器人的 text 格式，可直接作为 DingTalkSender 使用。
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender 创建 webhook 推送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send 推送一条文本消息。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return fmt.Errorf("序列化 webhook 消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 请求失败: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook 返回异常状态码: %d", resp.StatusCode)
	}
	return nil
}

var _ DingTalkSender = (*WebhookSender)(nil)
