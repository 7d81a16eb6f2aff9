package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/storage/models"
	"github.com/knowledge-engine/backend/pkg/apperrors"
	"github.com/knowledge-engine/backend/pkg/circuitbreaker"
	"github.com/knowledge-engine/backend/pkg/config"
	"github.com/knowledge-engine/backend/pkg/logger"
	"github.com/knowledge-engine/backend/pkg/retry"
	"github.com/knowledge-engine/backend/pkg/utils"
)

// MaxEmbeddingChars bounds the text sent to the embedding model.
const MaxEmbeddingChars = 8000

var ErrEmptyResponse = errors.New("empty response from model")

type Client struct {
	client         *openai.Client
	model          string
	judgeModel     string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	embedCB        *circuitbreaker.Breaker
	generateCB     *circuitbreaker.Breaker
	retryPolicy    retry.Policy
}

func NewClient(cfg config.LLMConfig) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	judgeModel := cfg.JudgeModel
	if judgeModel == "" {
		judgeModel = cfg.Model
	}

	breaker := circuitbreaker.Settings{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		Probes:            5,
		RecoveryThreshold: 2,
		ResetInterval:     time.Minute,
		OnStateChange:     metrics.RecordBreakerState,
		Logger:            logger.GetLogger(),
	}

	retryPolicy := retry.DefaultPolicy("llm.embed")
	retryPolicy.BaseDelay = 500 * time.Millisecond
	retryPolicy.MaxDelay = 5 * time.Second
	retryPolicy.OnRetry = metrics.RecordRetry
	retryPolicy.Logger = logger.GetLogger()

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("judge_model", judgeModel),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		judgeModel:     judgeModel,
		embeddingModel: cfg.EmbeddingModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        timeout,
		embedCB:        circuitbreaker.New("llm.embed", breaker),
		generateCB:     circuitbreaker.New("llm.generate", breaker),
		retryPolicy:    retryPolicy,
	}
}

func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

// Embed returns the embedding of text, truncated to MaxEmbeddingChars. Calls
// are retried with backoff behind a circuit breaker.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	input := utils.TruncateRunes(text, MaxEmbeddingChars)
	if strings.TrimSpace(input) == "" {
		return nil, apperrors.Validation("cannot embed empty text")
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.embedCB.Do(ctx, func(ctx context.Context) error {
		var err error
		embedding, err = retry.DoValue(ctx, c.retryPolicy, func(ctx context.Context) ([]float32, error) {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{input},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return nil, classifyAPIError(fmt.Errorf("failed to generate embedding: %w", err))
			}
			if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
				return nil, ErrEmptyResponse
			}

			out := make([]float32, len(resp.Data[0].Embedding))
			copy(out, resp.Data[0].Embedding)
			return out, nil
		})
		return err
	})
	if err != nil {
		return nil, apperrors.Dependency("embed", err)
	}

	return embedding, nil
}

// classifyAPIError marks client-side API rejections (bad key, bad request,
// unknown model) as permanent. Rate limiting and server errors stay retryable.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 &&
		apiErr.HTTPStatusCode != 429 {
		return retry.Permanent(err)
	}
	return err
}

// Generate issues a single chat completion with prompt as the user message.
// It is not retried; a failed or blank answer is a dependency error.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	if model == "" {
		model = c.model
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var content string

	err := c.generateCB.Do(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model: model,
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleUser, Content: prompt},
				},
				Temperature: c.temperature,
				MaxTokens:   c.maxTokens,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to create completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}

		logger.Debug("LLM completion generated",
			zap.String("model", model),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", apperrors.Dependency("generate", err)
	}
	if strings.TrimSpace(content) == "" {
		return "", apperrors.Dependency("generate", ErrEmptyResponse)
	}

	return content, nil
}

const judgePrompt = `Act as a conversation satisfaction judge. Analyze the conversation between a user and an AI assistant below and decide how satisfied the user is with the assistant's answers.

Criteria:
- POSITIVE: the user thanks the assistant, asks deeper follow-up questions, or tries to apply the answer.
- NEGATIVE: the user says the answer is wrong or not what they meant, repeats the same question, or blames the assistant.
- NEUTRAL: plain information exchange with no clear judgement, or the conversation is too short to tell.

Conversation:
%s

Output exactly one word: POSITIVE, NEGATIVE, or NEUTRAL`

// ClassifySentiment asks the judge model how satisfied the user was with the
// conversation.
func (c *Client) ClassifySentiment(ctx context.Context, messages []models.ChatMessage) (models.Sentiment, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	answer, err := c.Generate(ctx, c.judgeModel, fmt.Sprintf(judgePrompt, transcript.String()))
	if err != nil {
		return "", err
	}

	return ParseSentiment(answer), nil
}

// ParseSentiment maps a free-form judge answer onto a sentiment. Anything that
// is not recognisably positive or negative is neutral.
func ParseSentiment(answer string) models.Sentiment {
	letters := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, answer)

	switch {
	case letters == string(models.SentimentNeutral):
		return models.SentimentNeutral
	case strings.Contains(letters, string(models.SentimentPositive)):
		return models.SentimentPositive
	case strings.Contains(letters, string(models.SentimentNegative)):
		return models.SentimentNegative
	default:
		return models.SentimentNeutral
	}
}
