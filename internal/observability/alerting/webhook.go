package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSender 把告警内容 POST 到机器人回调地址，
// 同时满足钉钉与 Slack 两类渠道的发送接口。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 构造发送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send 实现钉钉渠道的发送接口。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SendChannel 实现 Slack 渠道的发送接口。
func (s *WebhookSender) SendChannel(ctx context.Context, channel, content string) error {
	return s.post(ctx, map[string]any{
		"channel": channel,
		"text":    content,
	})
}

func (s *WebhookSender) post(ctx context.Context, payload any) error {
	if s == nil || s.URL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化告警内容失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// slackAdapter 把 WebhookSender 适配成 SlackSender。
type slackAdapter struct{ sender *WebhookSender }

// NewSlackWebhook 返回 Slack 渠道的发送器。
func NewSlackWebhook(url string) SlackSender {
	return slackAdapter{sender: NewWebhookSender(url)}
}

func (a slackAdapter) Send(ctx context.Context, channel, content string) error {
	return a.sender.SendChannel(ctx, channel, content)
}

var _ DingTalkSender = (*WebhookSender)(nil)
var _ SlackSender = (slackAdapter{})
