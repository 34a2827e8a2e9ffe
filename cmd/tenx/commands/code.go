package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/session"
	"github.com/serp256/tenx/internal/tenx"
)

var (
	prompt     string
	promptFile string
	fixPrompt  string
)

var codeCmd = &cobra.Command{
	Use:   "code [files...]",
	Short: "Ask the model to change the editable files",
	Long: `Send a prompt to the model and apply its changes. Files given as
arguments are added to the editable set first. The prompt comes from
--prompt, --prompt-file, or standard input.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readPrompt(cmd.InOrStdin())
		if err != nil {
			return err
		}
		return withRequest(cmd, func(ctx context.Context, tx *tenx.Tenx, sess *session.Session, chunks chan<- string) error {
			if _, err := tx.Edit(sess, args...); err != nil {
				return err
			}
			return tx.Code(ctx, sess, text, chunks)
		})
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Run the checks and ask the model to fix what fails",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRequest(cmd, func(ctx context.Context, tx *tenx.Tenx, sess *session.Session, chunks chan<- string) error {
			return tx.Fix(ctx, sess, fixPrompt, chunks)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry after a failed step",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRequest(cmd, func(ctx context.Context, tx *tenx.Tenx, sess *session.Session, chunks chan<- string) error {
			return tx.Retry(ctx, sess, chunks)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <step>",
	Short: "Revert every step after <step>",
	Long:  "Keep steps 0 through <step> and revert the file changes of all later steps.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := strconv.Atoi(args[0])
		if err != nil || step < 0 {
			return fmt.Errorf("invalid step %q", args[0])
		}
		tx, err := app()
		if err != nil {
			return err
		}
		sess, err := tx.LoadSession(cmd.Context())
		if err != nil {
			return err
		}
		reverted, err := tx.Reset(cmd.Context(), sess, step+1)
		if err != nil {
			return err
		}
		for _, f := range reverted {
			fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", f)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the formatters and checks for the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		tx, err := app()
		if err != nil {
			return err
		}
		sess, err := tx.LoadSession(cmd.Context())
		if err != nil {
			return err
		}
		return streamed(cmd.Context(), tx, cmd.OutOrStdout(), func(ctx context.Context, _ chan<- string) error {
			return tx.RunChecks(ctx, sess)
		})
	},
}

func init() {
	codeCmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt text")
	codeCmd.Flags().StringVar(&promptFile, "prompt-file", "", "Read the prompt from a file")
	fixCmd.Flags().StringVarP(&fixPrompt, "prompt", "p", "", "Extra guidance for the fix")
}

// withRequest loads the session and runs a model request with streamed
// output.
func withRequest(cmd *cobra.Command, fn func(context.Context, *tenx.Tenx, *session.Session, chan<- string) error) error {
	tx, err := app()
	if err != nil {
		return err
	}
	sess, err := tx.LoadSession(cmd.Context())
	if err != nil {
		return err
	}
	err = streamed(cmd.Context(), tx, cmd.OutOrStdout(), func(ctx context.Context, chunks chan<- string) error {
		return fn(ctx, tx, sess, chunks)
	})
	if err != nil && errs.Is(err, errs.Check) {
		fmt.Fprintln(cmd.ErrOrStderr(), "run 'tenx fix' to ask the model to repair the failures")
	} else if err != nil && !errors.Is(err, context.Canceled) && sess.LastStep() != nil && sess.LastStep().State() == session.Failed {
		fmt.Fprintln(cmd.ErrOrStderr(), "run 'tenx retry' to try again")
	}
	return err
}

// readPrompt returns the prompt from the flags or, failing those, from in
// when it is not a terminal.
func readPrompt(in io.Reader) (string, error) {
	var text string
	switch {
	case prompt != "":
		text = prompt
	case promptFile != "":
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", fmt.Errorf("read prompt file: %w", err)
		}
		text = string(data)
	default:
		if f, ok := in.(*os.File); ok {
			if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
				return "", errors.New("no prompt: use --prompt, --prompt-file or pipe it on stdin")
			}
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty prompt")
	}
	return text, nil
}
