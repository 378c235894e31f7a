package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"quantcycle/internal/config"
)

// Client 封装 OpenAI 调用逻辑，实现 Provider。
type Client struct {
	cfg    config.SentimentConfig
	logger *zap.Logger
	sdk    *openai.Client
}

var _ Provider = (*Client)(nil)

// NewClient 使用给定配置创建情绪评分客户端。
func NewClient(cfg config.SentimentConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sentiment api_key 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
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

// Score 调用模型为各交易对打情绪分。
func (c *Client) Score(ctx context.Context, digests []Digest) (map[string]float64, error) {
	if len(digests) == 0 {
		return map[string]float64{}, nil
	}
	if c.cfg.Model == "" {
		return nil, errors.New("sentiment model 不能为空")
	}

	prompt, err := BuildPrompt(digests)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	response, err := c.sdk.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		c.logger.Error("调用情绪模型失败", zap.Error(err))
		return nil, fmt.Errorf("调用情绪模型失败: %w", err)
	}

	if len(response.Choices) == 0 {
		return nil, errors.New("情绪模型返回结果为空")
	}

	rawContent := strings.TrimSpace(response.Choices[0].Message.Content)
	if rawContent == "" {
		return nil, errors.New("情绪模型返回内容为空")
	}

	scores, err := parseScores(rawContent)
	if err != nil {
		c.logger.Error("解析情绪评分失败",
			zap.Error(err),
			zap.String("raw_content", rawContent),
		)
		return nil, err
	}

	c.logger.Debug("情绪评分生成成功", zap.Int("instruments", len(scores)))
	return scores, nil
}

type scoreEnvelope struct {
	Scores []struct {
		Instrument string  `json:"instrument"`
		Score      float64 `json:"score"`
	} `json:"scores"`
}

func parseScores(content string) (map[string]float64, error) {
	payload, err := extractJSON(content)
	if err != nil {
		return nil, err
	}

	var envelope scoreEnvelope
	if err = json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("解析情绪评分JSON失败: %w", err)
	}

	scores := make(map[string]float64, len(envelope.Scores))
	for _, entry := range envelope.Scores {
		instrument := strings.TrimSpace(entry.Instrument)
		if instrument == "" {
			continue
		}
		scores[instrument] = math.Max(-1, math.Min(1, entry.Score))
	}

	return scores, nil
}

func extractJSON(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")

	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("模型输出未找到有效JSON: %s", content)
	}

	return []byte(content[start : end+1]), nil
}
