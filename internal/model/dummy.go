package model

import (
	"context"
	"strings"
	"sync"

	"github.com/serp256/tenx/internal/dialect"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/session"
)

// Dummy replays queued replies. It renders every request through its
// dialect so prompt construction is exercised, and records the result.
type Dummy struct {
	dialect dialect.Dialect

	mu      sync.Mutex
	replies []dummyReply
	// Rendered holds the messages of every request, in order.
	Rendered [][]dialect.Message
	// Hold, when set, blocks each call after its first chunk until it is
	// closed or the context ends.
	Hold chan struct{}
}

type dummyReply struct {
	text string
	err  error
}

// NewDummy creates a dummy model speaking d.
func NewDummy(d dialect.Dialect) *Dummy {
	return &Dummy{dialect: d}
}

func (*Dummy) Name() string { return "dummy" }

// Reply queues a reply text.
func (m *Dummy) Reply(text ...string) *Dummy {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range text {
		m.replies = append(m.replies, dummyReply{text: t})
	}
	return m
}

// Fail queues a provider failure.
func (m *Dummy) Fail(err error) *Dummy {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, dummyReply{err: err})
	return m
}

// Pending reports how many queued replies are left.
func (m *Dummy) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies)
}

func (m *Dummy) Prompt(ctx context.Context, req *Request, chunks chan<- string) (*session.ModelResponse, error) {
	rendered, err := m.dialect.Render(req.FS, req.Config, req.Session, req.Contexts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Rendered = append(m.Rendered, rendered)
	if len(m.replies) == 0 {
		m.mu.Unlock()
		return nil, errs.New(errs.ModelFailure, "", "dummy model has no reply queued")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	hold := m.Hold
	m.mu.Unlock()

	if r.err != nil {
		return nil, errs.Model(r.err)
	}
	for i, line := range strings.SplitAfter(r.text, "\n") {
		if line == "" {
			continue
		}
		if err := send(ctx, chunks, line); err != nil {
			return nil, err
		}
		if i == 0 && hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	usage := &session.Usage{OutputTokens: len(strings.Fields(r.text))}
	usage.TotalTokens = usage.OutputTokens
	return parse(m.dialect, r.text, usage)
}
