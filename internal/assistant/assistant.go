// Package assistant generates or rewrites editor content with a chat-completion model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/psds-microservice/support-chat-service/internal/metrics"
	"github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Sentinels the model puts in front of the markup to say how to apply it.
const (
	ReplaceSentinel = "[[REPLACE_CONTENT]]"
	AppendSentinel  = "[[APPEND_CONTENT]]"
)

// ErrUnavailable is the generic retryable failure shown to users. ErrMalformedResponse means
// the model answered but nothing usable could be extracted.
var (
	ErrMalformedResponse = errors.New("assistant: malformed response")
	ErrUnavailable       = errors.New("assistant: generation failed, try again")
	ErrNotConfigured     = errors.New("assistant: no API key configured")
	ErrEmptyInstruction  = errors.New("assistant: instruction is empty")
)

const DefaultModel = "gpt-4o-mini"

type Action string

const (
	ActionReplace Action = "replace"
	ActionAppend  Action = "append"
)

type Request struct {
	Instruction string `json:"instruction"`
	CurrentHTML string `json:"current_html"`
}

type Result struct {
	Action Action `json:"action"`
	HTML   string `json:"html"`
}

// ChatCompleter is the slice of *openai.Client used here.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type Client struct {
	api     ChatCompleter
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[openai.ChatCompletionResponse]
	log     *zap.Logger
}

// New builds a client for the OpenAI-compatible endpoint in cfg. It returns ErrNotConfigured
// without an API key.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return NewWithCompleter(openai.NewClientWithConfig(oc), cfg, log), nil
}

func NewWithCompleter(api ChatCompleter, cfg Config, log *zap.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	log = log.Named("assistant")
	return &Client{
		api:     api,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		log:     log,
		breaker: gobreaker.NewCircuitBreaker[openai.ChatCompletionResponse](gobreaker.Settings{
			Name:    "assistant",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit breaker state", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

const systemPrompt = `You edit rich-text support articles and replies. Answer with HTML only.
Start the answer with ` + ReplaceSentinel + ` when the whole document must be replaced by your markup,
or with ` + AppendSentinel + ` when your markup must be added after the current content.
Use only p, br, strong, em, ul, ol, li, a, h2, h3, blockquote and div.callout elements.`

func buildMessages(req Request) []openai.ChatCompletionMessage {
	user := "Instruction:\n" + req.Instruction
	if strings.TrimSpace(req.CurrentHTML) != "" {
		user += "\n\nCurrent content:\n" + req.CurrentHTML
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
}

// Generate asks the model for content. Transport and parse failures are logged and reported
// as ErrUnavailable; nothing is ever applied partially.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return Result{}, ErrEmptyInstruction
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.breaker.Execute(func() (openai.ChatCompletionResponse, error) {
		return c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.model,
			Messages:    buildMessages(req),
			Temperature: 0.4,
		})
	})
	if err != nil {
		metrics.AssistantRequestsTotal.WithLabelValues("error").Inc()
		c.log.Warn("chat completion failed", zap.String("model", c.model), zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return c.malformed(errors.New("no choices"))
	}
	res, err := ParseContent(resp.Choices[0].Message.Content)
	if err != nil {
		return c.malformed(err)
	}
	metrics.AssistantRequestsTotal.WithLabelValues(string(res.Action)).Inc()
	return res, nil
}

func (c *Client) malformed(err error) (Result, error) {
	metrics.AssistantRequestsTotal.WithLabelValues("malformed").Inc()
	c.log.Warn("unusable completion", zap.Error(err))
	return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// ParseContent interprets a completion. A replace sentinel wins over an append sentinel;
// without any sentinel the whole content is appended.
func ParseContent(content string) (Result, error) {
	content = stripFence(strings.TrimSpace(content))
	if content == "" {
		return Result{}, fmt.Errorf("%w: empty content", ErrMalformedResponse)
	}
	action, body := ActionAppend, content
	if i := strings.Index(content, ReplaceSentinel); i >= 0 {
		action, body = ActionReplace, content[i+len(ReplaceSentinel):]
	} else if i := strings.Index(content, AppendSentinel); i >= 0 {
		body = content[i+len(AppendSentinel):]
	}
	body = stripFence(strings.TrimSpace(body))
	if body == "" {
		return Result{}, fmt.Errorf("%w: nothing after %s sentinel", ErrMalformedResponse, action)
	}
	return Result{Action: action, HTML: body}, nil
}

// stripFence removes a surrounding ``` or ```html fence.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "```"), "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "<>") {
		s = s[nl+1:]
	}
	return strings.TrimSpace(s)
}
