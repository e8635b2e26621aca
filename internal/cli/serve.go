package cli

import (
	"fmt"

	"github.com/harun/tavern/internal/daemon"
	"github.com/spf13/cobra"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long: `Run the browser chat server in the foreground, plus the Telegram bot
when telegram.enabled is set. Stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override server.port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "tavern (%s) listening on http://%s\n", cfg.Flow, d.ChatServer().Addr())
	return d.Wait(cmd.Context())
}
