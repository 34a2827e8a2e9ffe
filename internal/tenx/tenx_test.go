package tenx_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/check"
	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/dialect"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/event"
	"github.com/serp256/tenx/internal/model"
	"github.com/serp256/tenx/internal/session"
	"github.com/serp256/tenx/internal/storage"
	"github.com/serp256/tenx/internal/tenx"
)

// flakyCheck is a validator that fails a set number of times.
type flakyCheck struct {
	mu       sync.Mutex
	failures int
	runs     int
}

func (c *flakyCheck) Name() string                     { return "flaky" }
func (c *flakyCheck) Mode() check.Mode                 { return check.Validate }
func (c *flakyCheck) IsConfigured(*config.Config) bool { return true }
func (c *flakyCheck) Runnable() check.Runnable         { return check.Ready }
func (c *flakyCheck) IsRelevant(*config.Config, afero.Fs, *session.Session) (bool, error) {
	return true, nil
}

func (c *flakyCheck) Run(context.Context, *config.Config, afero.Fs, *session.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
	if c.failures > 0 {
		c.failures--
		return &errs.Error{Kind: errs.Check, User: "flaky: broken", Model: "main.go:3: undefined: x"}
	}
	return nil
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) add(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []event.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Type
	for _, e := range r.events {
		if e.Type != event.Snippet {
			out = append(out, e.Type)
		}
	}
	return out
}

var _ = Describe("Tenx", func() {
	var (
		ctx    context.Context
		fsys   afero.Fs
		cfg    *config.Config
		dummy  *model.Dummy
		flaky  *flakyCheck
		events *recorder
		tx     *tenx.Tenx
		sess   *session.Session
	)

	read := func(name string) string {
		data, err := afero.ReadFile(fsys, "/proj/"+name)
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	write := func(name, content string) {
		Expect(afero.WriteFile(fsys, "/proj/"+name, []byte(content), 0o644)).To(Succeed())
	}

	reload := func() *session.Session {
		s, err := tx.LoadSession(ctx)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		fsys = afero.NewMemMapFs()
		cfg = config.Default("/proj")
		cfg.SessionDir = GinkgoT().TempDir()
		write("a.txt", "alpha\n")
		write("b.txt", "beta\n")

		dummy = model.NewDummy(dialect.Tags{})
		flaky = &flakyCheck{}
		events = &recorder{}
		bus := event.NewBus()
		DeferCleanup(bus.Close)
		bus.SubscribeAll(events.add)

		tx = tenx.New(cfg,
			tenx.WithFS(fsys),
			tenx.WithModel(dummy),
			tenx.WithBus(bus),
			tenx.WithChecks(flaky),
		)
		var err error
		sess, err = tx.NewSession(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = tx.Edit(sess, "a.txt")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Code", func() {
		It("streams the reply, applies the patch and saves the session", func() {
			dummy.Reply("<comment>\nrewrite a\n</comment>\n<write_file path=\"a.txt\">\nALPHA\n</write_file>\n")

			chunks := make(chan string, 16)
			Expect(tx.Code(ctx, sess, "uppercase a", chunks)).To(Succeed())
			close(chunks)

			var streamed string
			for c := range chunks {
				streamed += c
			}
			Expect(streamed).To(ContainSubstring("<write_file path=\"a.txt\">"))
			Expect(read("a.txt")).To(Equal("ALPHA\n"))

			saved := reload()
			Expect(saved.Steps).To(HaveLen(1))
			Expect(saved.Steps[0].State()).To(Equal(session.Applied))
			Expect(saved.Steps[0].Response.Comment).To(Equal("rewrite a"))

			Expect(events.types()).To(Equal([]event.Type{
				event.StepStarted, event.PatchApplied, event.StepCompleted,
				event.CheckStart, event.CheckOK,
			}))
		})

		It("rejects an empty prompt", func() {
			Expect(errs.KindOf(tx.Code(ctx, sess, "  ", nil))).To(Equal(errs.Session))
			Expect(sess.Steps).To(BeEmpty())
		})

		It("does not run checks when nothing was written", func() {
			dummy.Reply("Nothing to do here.")
			Expect(tx.Code(ctx, sess, "explain", nil)).To(Succeed())
			Expect(flaky.runs).To(BeZero())
			Expect(sess.LastStep().Response.Comment).To(Equal("Nothing to do here."))
		})

		It("returns check failures without touching the step", func() {
			flaky.failures = 1
			dummy.Reply("<write_file path=\"a.txt\">\nALPHA\n</write_file>")

			err := tx.Code(ctx, sess, "uppercase a", nil)
			Expect(errs.KindOf(err)).To(Equal(errs.Check))
			Expect(sess.LastStep().State()).To(Equal(session.Applied))
			Expect(read("a.txt")).To(Equal("ALPHA\n"))
		})
	})

	Describe("failures and retry", func() {
		It("records a model failure and repeats the prompt on retry", func() {
			dummy.Fail(errors.New("overloaded"))
			err := tx.Code(ctx, sess, "uppercase a", nil)
			Expect(errs.KindOf(err)).To(Equal(errs.ModelFailure))

			saved := reload()
			Expect(saved.LastStep().State()).To(Equal(session.Failed))
			Expect(saved.LastStep().Err.Kind).To(Equal(errs.ModelFailure))

			dummy.Reply("<write_file path=\"a.txt\">\nALPHA\n</write_file>")
			Expect(tx.Retry(ctx, saved, nil)).To(Succeed())
			Expect(saved.Steps).To(HaveLen(2))
			Expect(saved.Steps[1].Type).To(Equal(session.Code))
			Expect(saved.Steps[1].Prompt).To(Equal("uppercase a"))
			Expect(read("a.txt")).To(Equal("ALPHA\n"))
		})

		It("feeds an apply failure back to the model on retry", func() {
			dummy.Reply("<replace path=\"a.txt\">\n<old>\nmissing\n</old>\n<new>\nx\n</new>\n</replace>")
			err := tx.Code(ctx, sess, "change a", nil)
			Expect(errs.KindOf(err)).To(Equal(errs.NoMatch))
			Expect(read("a.txt")).To(Equal("alpha\n"))
			Expect(sess.LastStep().State()).To(Equal(session.Failed))
			Expect(sess.LastStep().Response).NotTo(BeNil())
			Expect(events.types()).To(ContainElement(event.StepFailed))

			dummy.Reply("<replace path=\"a.txt\">\n<old>\nalpha\n</old>\n<new>\nomega\n</new>\n</replace>")
			Expect(tx.Retry(ctx, sess, nil)).To(Succeed())
			Expect(sess.Steps).To(HaveLen(2))
			Expect(sess.Steps[1].Type).To(Equal(session.Error))
			Expect(read("a.txt")).To(Equal("omega\n"))

			last := dummy.Rendered[len(dummy.Rendered)-1]
			Expect(last[len(last)-1].Content).To(ContainSubstring("<error>\nYour previous response could not be applied."))
		})

		It("refuses to retry an applied step", func() {
			dummy.Reply("<write_file path=\"a.txt\">\nALPHA\n</write_file>")
			Expect(tx.Code(ctx, sess, "uppercase a", nil)).To(Succeed())
			Expect(errs.KindOf(tx.Retry(ctx, sess, nil))).To(Equal(errs.Session))
		})
	})

	Describe("edit requests", func() {
		It("adds the file and continues with an auto step", func() {
			dummy.Reply(
				"<edit path=\"b.txt\"/>",
				"<write_file path=\"b.txt\">\nBETA\n</write_file>",
			)
			Expect(tx.Code(ctx, sess, "uppercase b", nil)).To(Succeed())

			Expect(sess.Editables).To(Equal([]string{"a.txt", "b.txt"}))
			Expect(sess.Steps).To(HaveLen(2))
			Expect(sess.Steps[1].Type).To(Equal(session.Auto))
			Expect(read("b.txt")).To(Equal("BETA\n"))
			Expect(dummy.Pending()).To(BeZero())
		})

		It("ignores requests for missing files", func() {
			dummy.Reply("<edit path=\"nope.txt\"/>")
			Expect(tx.Code(ctx, sess, "look around", nil)).To(Succeed())
			Expect(sess.Steps).To(HaveLen(1))
			Expect(sess.Editables).To(Equal([]string{"a.txt"}))
		})

		It("stops continuing after the auto step limit", func() {
			for i := 0; i <= tenx.MaxAutoSteps+1; i++ {
				write("f"+string(rune('0'+i))+".txt", "x\n")
				dummy.Reply("<edit path=\"f" + string(rune('0'+i)) + ".txt\"/>")
			}
			Expect(tx.Code(ctx, sess, "wander", nil)).To(Succeed())
			Expect(sess.Steps).To(HaveLen(tenx.MaxAutoSteps + 1))
			Expect(dummy.Pending()).To(Equal(1))
		})
	})

	Describe("cancellation", func() {
		It("discards the pending step and leaves the stored session alone", func() {
			dummy.Hold = make(chan struct{})
			dummy.Reply("<write_file path=\"a.txt\">\nALPHA\n</write_file>\n")

			cctx, cancel := context.WithCancel(ctx)
			chunks := make(chan string)
			done := make(chan error, 1)
			go func() { done <- tx.Code(cctx, sess, "uppercase a", chunks) }()

			Eventually(chunks).Should(Receive(Equal("<write_file path=\"a.txt\">\n")))
			cancel()

			var err error
			Eventually(done, time.Second).Should(Receive(&err))
			Expect(err).To(MatchError(context.Canceled))
			Expect(sess.Steps).To(BeEmpty())
			Expect(read("a.txt")).To(Equal("alpha\n"))
			Expect(reload().Steps).To(BeEmpty())
		})
	})

	Describe("Reset", func() {
		It("reverts later steps and publishes the reverted files", func() {
			dummy.Reply(
				"<write_file path=\"a.txt\">\none\n</write_file>",
				"<write_file path=\"a.txt\">\ntwo\n</write_file>\n<write_file path=\"c.txt\">\nnew\n</write_file>",
			)
			Expect(tx.Code(ctx, sess, "first", nil)).To(Succeed())
			Expect(tx.Code(ctx, sess, "second", nil)).To(Succeed())

			var reset event.ResetData
			tx.Bus().Subscribe(event.SessionReset, func(e event.Event) { reset = e.Data.(event.ResetData) })

			Expect(tx.Reset(ctx, sess, 1)).To(Equal([]string{"a.txt", "c.txt"}))
			Expect(read("a.txt")).To(Equal("one\n"))
			Expect(afero.Exists(fsys, "/proj/c.txt")).To(BeFalse())
			Expect(reset).To(Equal(event.ResetData{Offset: 1, Reverted: []string{"a.txt", "c.txt"}}))
			Expect(reload().Steps).To(HaveLen(1))
		})

		It("rejects an offset past the end", func() {
			_, err := tx.Reset(ctx, sess, 3)
			Expect(errs.KindOf(err)).To(Equal(errs.Session))
		})
	})

	Describe("Fix", func() {
		It("turns check failures into a fix prompt", func() {
			flaky.failures = 1
			dummy.Reply("<write_file path=\"a.txt\">\nfixed\n</write_file>")

			Expect(tx.Fix(ctx, sess, "", nil)).To(Succeed())
			step := sess.LastStep()
			Expect(step.Type).To(Equal(session.Fix))
			Expect(step.Prompt).To(Equal("main.go:3: undefined: x"))
			Expect(read("a.txt")).To(Equal("fixed\n"))
		})

		It("prepends guidance to the check output", func() {
			flaky.failures = 1
			dummy.Reply("ok")
			Expect(tx.Fix(ctx, sess, "look at x", nil)).To(Succeed())
			Expect(sess.LastStep().Prompt).To(Equal("look at x\n\nmain.go:3: undefined: x"))
		})

		It("has nothing to do when checks pass", func() {
			err := tx.Fix(ctx, sess, "", nil)
			Expect(errs.KindOf(err)).To(Equal(errs.Check))
			Expect(sess.Steps).To(BeEmpty())
		})
	})

	Describe("session management", func() {
		It("clears the stored session", func() {
			Expect(tx.ClearSession(ctx)).To(Succeed())
			_, err := tx.LoadSession(ctx)
			Expect(err).To(MatchError(session.ErrNoSession))
		})

		It("validates context specs", func() {
			_, err := tx.AddContext(sess, contextspec.Path("missing/*.md"))
			Expect(err).To(HaveOccurred())
			n, err := tx.AddContext(sess, contextspec.Path("*.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			Expect(sess.Contexts).To(HaveLen(1))
		})

		It("passes contexts to the model", func() {
			_, err := tx.AddContext(sess, contextspec.Path("b.txt"))
			Expect(err).NotTo(HaveOccurred())
			dummy.Reply("noted")
			Expect(tx.Code(ctx, sess, "read b", nil)).To(Succeed())
			Expect(dummy.Rendered[0][0].Content).To(HavePrefix("<context name=\"b.txt\" type=\"path\">\nbeta\n</context>"))
		})

		It("holds the project lock while a request runs", func() {
			st := storage.New(cfg.SessionDir)
			st.LockTimeout = 50 * time.Millisecond
			store := session.NewStore(st)
			dummy.Hold = make(chan struct{})
			dummy.Reply("<write_file path=\"a.txt\">\nALPHA\n</write_file>\n")

			done := make(chan error, 1)
			go func() { done <- tx.Code(ctx, sess, "uppercase a", nil) }()
			Eventually(events.types).Should(ContainElement(event.StepStarted))

			_, err := store.Lock(ctx, cfg.Root)
			Expect(err).To(MatchError(storage.ErrLocked))

			close(dummy.Hold)
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})
