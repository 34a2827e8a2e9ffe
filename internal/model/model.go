// Package model sends rendered sessions to language models and parses their
// streamed replies.
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/dialect"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/session"
)

const (
	// MaxRetries bounds attempts to open a stream.
	MaxRetries           = 3
	RetryInitialInterval = time.Second
	RetryMaxInterval     = 30 * time.Second
)

// Request is everything a model needs to answer the pending step.
type Request struct {
	Config   *config.Config
	FS       afero.Fs
	Session  *session.Session
	Contexts []contextspec.Item
}

// Model answers the pending step of a session.
type Model interface {
	Name() string
	// Prompt streams reply text to chunks as it arrives and returns the
	// parsed reply. It does not close chunks. When the reply arrived but
	// could not be parsed, the returned response carries the raw text along
	// with the error. A cancelled ctx yields ctx.Err().
	Prompt(ctx context.Context, req *Request, chunks chan<- string) (*session.ModelResponse, error)
}

// Chat adapts an eino chat model.
type Chat struct {
	name      string
	chat      einomodel.BaseChatModel
	dialect   dialect.Dialect
	maxTokens int
}

// NewChat wraps m, speaking d.
func NewChat(name string, m einomodel.BaseChatModel, d dialect.Dialect, maxTokens int) *Chat {
	return &Chat{name: name, chat: m, dialect: d, maxTokens: maxTokens}
}

func (c *Chat) Name() string { return c.name }

func (c *Chat) Prompt(ctx context.Context, req *Request, chunks chan<- string) (*session.ModelResponse, error) {
	rendered, err := c.dialect.Render(req.FS, req.Config, req.Session, req.Contexts)
	if err != nil {
		return nil, err
	}
	input := []*schema.Message{schema.SystemMessage(c.dialect.System())}
	for _, m := range rendered {
		if m.Role == dialect.Assistant {
			input = append(input, schema.AssistantMessage(m.Content, nil))
		} else {
			input = append(input, schema.UserMessage(m.Content))
		}
	}

	stream, err := c.open(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Model(err)
	}
	defer stream.Close()

	var parts []*schema.Message
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errs.Model(err)
		}
		parts = append(parts, msg)
		if msg.Content != "" {
			if err := send(ctx, chunks, msg.Content); err != nil {
				return nil, err
			}
		}
	}
	if len(parts) == 0 {
		return nil, errs.Model(fmt.Errorf("empty response"))
	}
	full, err := schema.ConcatMessages(parts)
	if err != nil {
		return nil, errs.Model(err)
	}

	usage := usageOf(full)
	logging.Info().Str("model", c.name).Int("output_tokens", usageTokens(usage)).Msg("model response")
	return parse(c.dialect, full.Content, usage)
}

// open starts the stream, retrying connection failures with backoff.
func (c *Chat) open(ctx context.Context, input []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	var opts []einomodel.Option
	if c.maxTokens > 0 {
		opts = append(opts, einomodel.WithMaxTokens(c.maxTokens))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5

	var stream *schema.StreamReader[*schema.Message]
	err := backoff.RetryNotify(func() error {
		s, err := c.chat.Stream(ctx, input, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		stream = s
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx), func(err error, d time.Duration) {
		logging.Warn().Err(err).Dur("retry_in", d).Str("model", c.name).Msg("model stream failed to open")
	})
	return stream, err
}

func send(ctx context.Context, chunks chan<- string, text string) error {
	if chunks == nil {
		return nil
	}
	select {
	case chunks <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parse(d dialect.Dialect, text string, usage *session.Usage) (*session.ModelResponse, error) {
	resp, err := d.Parse(text)
	if err != nil {
		return &session.ModelResponse{ResponseText: text, Usage: usage}, err
	}
	resp.Usage = usage
	return resp, nil
}

func usageOf(msg *schema.Message) *session.Usage {
	if msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return nil
	}
	u := msg.ResponseMeta.Usage
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &session.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: total}
}

func usageTokens(u *session.Usage) int {
	if u == nil {
		return 0
	}
	return u.OutputTokens
}

// New builds the model named by cfg.Model, such as
// "anthropic/claude-sonnet-4-20250514", "openai/gpt-4o", "ark/<endpoint>" or
// "dummy".
func New(ctx context.Context, cfg *config.Config) (Model, error) {
	d, err := dialect.New(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.Model == "dummy" {
		return NewDummy(d), nil
	}

	provider, id, ok := strings.Cut(cfg.Model, "/")
	if !ok || id == "" {
		return nil, errs.New(errs.Config, "", "model %q must be provider/model", cfg.Model)
	}
	pc := cfg.Provider[provider]
	var chat einomodel.BaseChatModel
	switch provider {
	case "anthropic":
		chat, err = newAnthropic(ctx, id, pc, cfg.MaxTokens)
	case "openai":
		chat, err = newOpenAI(ctx, id, pc, cfg.MaxTokens)
	case "ark":
		chat, err = newArk(ctx, id, pc, cfg.MaxTokens)
	default:
		return nil, errs.New(errs.Config, "", "unknown model provider %q", provider)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Config, "", err, "create %s model", provider)
	}
	return NewChat(cfg.Model, chat, d, cfg.MaxTokens), nil
}

func apiKey(pc config.ProviderConfig, env string) (string, error) {
	if pc.APIKey != "" {
		return pc.APIKey, nil
	}
	if key := os.Getenv(env); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%s not set", env)
}
