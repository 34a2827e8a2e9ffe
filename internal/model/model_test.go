package model

import (
	"context"
	"errors"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/dialect"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/session"
)

// fakeChat streams fixed chunks; the first failOpen calls to Stream fail.
type fakeChat struct {
	chunks   []*schema.Message
	failOpen int
	calls    int
	input    []*schema.Message
	recvErr  error
}

func (f *fakeChat) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	return schema.ConcatMessages(f.chunks)
}

func (f *fakeChat) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	f.calls++
	f.input = input
	if f.calls <= f.failOpen {
		return nil, errors.New("connection refused")
	}
	if f.recvErr != nil {
		sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 1)
		go func() {
			defer sw.Close()
			for _, c := range f.chunks {
				sw.Send(c, nil)
			}
			sw.Send(nil, f.recvErr)
		}()
		return sr, nil
	}
	return schema.StreamReaderFromArray(f.chunks), nil
}

func request(t *testing.T) *Request {
	t.Helper()
	cfg := config.Default("/proj")
	sess := session.New(cfg.Root, "fake")
	require.NoError(t, sess.AddPrompt(session.Code, "write hello"))
	return &Request{Config: cfg, FS: afero.NewMemMapFs(), Session: sess}
}

func collect(ch chan string) func() []string {
	var got []string
	done := make(chan struct{})
	go func() {
		for c := range ch {
			got = append(got, c)
		}
		close(done)
	}()
	return func() []string {
		close(ch)
		<-done
		return got
	}
}

func TestChatStreamsAndParses(t *testing.T) {
	fake := &fakeChat{chunks: []*schema.Message{
		schema.AssistantMessage("<write_file path=\"a.txt\">\n", nil),
		schema.AssistantMessage("hello\n</write_file>", nil),
		{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 5}}},
	}}
	chat := NewChat("fake/m", fake, dialect.Tags{}, 100)

	chunks := make(chan string)
	wait := collect(chunks)
	resp, err := chat.Prompt(context.Background(), request(t), chunks)
	require.NoError(t, err)

	assert.Equal(t, []string{"<write_file path=\"a.txt\">\n", "hello\n</write_file>"}, wait())
	require.NotNil(t, resp.Patch)
	assert.Equal(t, []string{"a.txt"}, resp.Patch.ChangedFiles())
	assert.Equal(t, &session.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, resp.Usage)

	require.Len(t, fake.input, 2)
	assert.Equal(t, schema.System, fake.input[0].Role)
	assert.Contains(t, fake.input[1].Content, "write hello")
}

func TestChatParseFailureKeepsText(t *testing.T) {
	fake := &fakeChat{chunks: []*schema.Message{schema.AssistantMessage("<write_file>oops</write_file>", nil)}}
	chat := NewChat("fake/m", fake, dialect.Tags{}, 0)

	resp, err := chat.Prompt(context.Background(), request(t), nil)
	assert.Equal(t, errs.ParseError, errs.KindOf(err))
	require.NotNil(t, resp)
	assert.Equal(t, "<write_file>oops</write_file>", resp.ResponseText)
}

func TestChatStreamErrorIsModelFailure(t *testing.T) {
	fake := &fakeChat{
		chunks:  []*schema.Message{schema.AssistantMessage("partial", nil)},
		recvErr: errors.New("overloaded"),
	}
	chat := NewChat("fake/m", fake, dialect.Tags{}, 0)

	_, err := chat.Prompt(context.Background(), request(t), nil)
	assert.Equal(t, errs.ModelFailure, errs.KindOf(err))
	assert.Contains(t, err.Error(), "overloaded")
}

func TestChatCancelled(t *testing.T) {
	fake := &fakeChat{chunks: []*schema.Message{schema.AssistantMessage("x", nil)}}
	chat := NewChat("fake/m", fake, dialect.Tags{}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chat.Prompt(ctx, request(t), make(chan string))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDummy(t *testing.T) {
	d := NewDummy(dialect.Tags{}).Reply("<comment>one</comment>\n<edit path=\"b.go\"/>\n")
	d.Fail(errors.New("boom"))

	chunks := make(chan string, 8)
	resp, err := d.Prompt(context.Background(), request(t), chunks)
	require.NoError(t, err)
	assert.Equal(t, "one", resp.Comment)
	assert.Equal(t, []session.Operation{{Kind: session.OpEdit, Path: "b.go"}}, resp.Operations)
	assert.Len(t, chunks, 2)
	require.Len(t, d.Rendered, 1)

	_, err = d.Prompt(context.Background(), request(t), nil)
	assert.Equal(t, errs.ModelFailure, errs.KindOf(err))

	_, err = d.Prompt(context.Background(), request(t), nil)
	assert.Equal(t, errs.ModelFailure, errs.KindOf(err))
	assert.Equal(t, 0, d.Pending())
}

func TestDummyHoldCancel(t *testing.T) {
	d := NewDummy(dialect.Tags{}).Reply("a\nb\n")
	d.Hold = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	chunks := make(chan string, 1)
	go func() {
		<-chunks
		cancel()
	}()
	_, err := d.Prompt(ctx, request(t), chunks)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := config.Default("/proj")

	cfg.Model = "dummy"
	m, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "dummy", m.Name())

	cfg.Model = "nope"
	_, err = New(context.Background(), cfg)
	assert.Equal(t, errs.Config, errs.KindOf(err))

	cfg.Model = "other/x"
	_, err = New(context.Background(), cfg)
	assert.Equal(t, errs.Config, errs.KindOf(err))

	cfg.Model = "anthropic/claude-sonnet-4-20250514"
	_, err = New(context.Background(), cfg)
	assert.Equal(t, errs.Config, errs.KindOf(err), "missing key")

	cfg.Provider["anthropic"] = config.ProviderConfig{APIKey: "test"}
	m, err = New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4-20250514", m.Name())
}
