package commands

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/serp256/tenx/internal/server"
)

var (
	servePort    int
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session over HTTP",
	Long: `Expose the current session over HTTP: session and step views, step
diffs, reset, and a server-sent event stream at /event.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tx, err := app()
		if err != nil {
			return err
		}
		cfg := server.DefaultConfig()
		cfg.Port = servePort
		cfg.Watch = !serveNoWatch

		err = server.New(cfg, tx).Start(cmd.Context())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not watch editable files")
}
