package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttscache/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Serve playable audio over HTTP",
	Long:    paragraph(fmt.Sprintf("\n%s the cache over HTTP for players that can't link against it.", keyword("Serve"))),
	Example: paragraph("ttscache serve\nttscache serve --addr :9000"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := a.manager.Initialize(ctx); err != nil {
			return err
		}

		return server.New(a.manager, log.Default().WithPrefix("http")).ListenAndServe(ctx, cfg.Addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "address to listen on")
	_ = viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
}
