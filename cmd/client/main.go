package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat_relay/internal/config"
	"chat_relay/internal/service/app"
	"chat_relay/internal/service/encclient"
	"chat_relay/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCommand() *cobra.Command {
	var (
		configFile  string
		gatewayAddr string
	)

	cmd := &cobra.Command{
		Use:   "client <username>",
		Short: "Terminal chat client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			if gatewayAddr == "" {
				gatewayAddr = cfg.Gateway.Listen
			}
			// the terminal belongs to tview
			if err := log.Init("error", false); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dec := encclient.New(
				encclient.NewHTTPTransport(cfg.Gateway.EncryptionEndpoint, &http.Client{}),
				cfg.ClientConfig(),
			)
			a := app.NewApp(gatewayAddr, dec)
			go func() {
				<-ctx.Done()
				a.Stop()
			}()

			if err := a.Run(ctx, args[0]); err != nil {
				log.Error("client stopped", zap.Error(err))
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "configuration file")
	cmd.Flags().StringVarP(&gatewayAddr, "gateway", "g", "", "gateway host:port (defaults to gateway.listen)")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
