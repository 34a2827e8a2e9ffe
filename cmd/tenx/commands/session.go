package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/serp256/tenx/internal/contextspec"
	"github.com/serp256/tenx/internal/pretty"
	"github.com/serp256/tenx/internal/session"
	"github.com/serp256/tenx/internal/tenx"
)

var (
	newCtx  []string
	newURLs []string
	ctxURL  bool
	showAll bool
)

var newCmd = &cobra.Command{
	Use:   "new [files...]",
	Short: "Start a new session, replacing the current one",
	RunE: func(cmd *cobra.Command, args []string) error {
		tx, err := app()
		if err != nil {
			return err
		}
		sess, err := tx.NewSession(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := tx.Edit(sess, args...); err != nil {
			return err
		}
		for _, pat := range newCtx {
			if _, err := tx.AddContext(sess, contextspec.Path(pat)); err != nil {
				return err
			}
		}
		for _, u := range newURLs {
			if _, err := tx.AddContext(sess, contextspec.URL(u)); err != nil {
				return err
			}
		}
		if err := tx.SaveSession(cmd.Context(), sess); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "new session %s\n", sess.ID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <files...>",
	Short: "Add files to the editable set",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(tx *tenx.Tenx, sess *session.Session) error {
			n, err := tx.Edit(sess, args...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d editable file(s)\n", n)
			return nil
		})
	},
}

var ctxCmd = &cobra.Command{
	Use:   "ctx <patterns...>",
	Short: "Add context to the session",
	Long:  "Add files matching each pattern as reference context. With --url the arguments are URLs whose pages are fetched for every prompt.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(tx *tenx.Tenx, sess *session.Session) error {
			for _, a := range args {
				spec := contextspec.Path(a)
				if ctxURL {
					spec = contextspec.URL(a)
				}
				n, err := tx.AddContext(sess, spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%d item(s))\n", spec.Human(), n)
			}
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		tx, err := app()
		if err != nil {
			return err
		}
		sess, err := tx.LoadSession(cmd.Context())
		if err != nil {
			return err
		}
		return pretty.Session(cmd.OutOrStdout(), sess, pretty.Options{Full: showAll})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the current session without touching files",
	RunE: func(cmd *cobra.Command, args []string) error {
		tx, err := app()
		if err != nil {
			return err
		}
		return tx.ClearSession(cmd.Context())
	},
}

func init() {
	newCmd.Flags().StringArrayVar(&newCtx, "ctx", nil, "Add files matching a pattern as context")
	newCmd.Flags().StringArrayVar(&newURLs, "url", nil, "Add a URL as context")
	ctxCmd.Flags().BoolVar(&ctxURL, "url", false, "Treat arguments as URLs")
	showCmd.Flags().BoolVar(&showAll, "full", false, "Include model responses and diffs")
}

// withSession loads the session, runs fn and saves the result.
func withSession(cmd *cobra.Command, fn func(*tenx.Tenx, *session.Session) error) error {
	tx, err := app()
	if err != nil {
		return err
	}
	sess, err := tx.LoadSession(cmd.Context())
	if err != nil {
		return err
	}
	if err := fn(tx, sess); err != nil {
		return err
	}
	return tx.SaveSession(cmd.Context(), sess)
}
