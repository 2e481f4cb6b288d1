package analyst

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"portfolio-viewer/internal/config"
)

// Commentary 是模型生成的回测点评。
type Commentary struct {
	Text        string    `json:"text"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Client 封装 OpenAI 调用逻辑，为回测结果生成分析点评。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建点评客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// Review 为一次回测结果生成点评文本。
func (c *Client) Review(ctx context.Context, req Request) (Commentary, error) {
	if c.cfg.Model == "" {
		return Commentary{}, errors.New("openai model 不能为空")
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		return Commentary{}, err
	}

	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0.3,
	})
	if err != nil {
		c.logger.Error("调用OpenAI失败", zap.Error(err))
		return Commentary{}, fmt.Errorf("analyst: 调用OpenAI失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return Commentary{}, errors.New("analyst: OpenAI 返回结果为空")
	}

	text := strings.TrimSpace(response.Choices[0].Message.Content)
	if text == "" {
		return Commentary{}, errors.New("analyst: OpenAI 返回内容为空")
	}

	c.logger.Info("回测点评生成成功",
		zap.String("model", response.Model),
		zap.Int("length", len(text)),
	)

	return Commentary{
		Text:        text,
		Model:       response.Model,
		GeneratedAt: time.Now().UTC(),
	}, nil
}
