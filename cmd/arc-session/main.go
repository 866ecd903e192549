package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/cmd/arc-session/queue"
	"github.com/gezibash/arc-session/cmd/arc-session/receive"
	"github.com/gezibash/arc-session/cmd/arc-session/recovery"
	"github.com/gezibash/arc-session/cmd/arc-session/send"
	"github.com/gezibash/arc-session/cmd/arc-session/serve"
	"github.com/gezibash/arc-session/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "arc-session",
		Short:         "Message broker with local and XA transactions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindCommonFlags(rootCmd, v)
	config.BindClientFlags(rootCmd, v)

	rootCmd.AddCommand(serve.Entrypoint(v))
	rootCmd.AddCommand(send.Entrypoint(v))
	rootCmd.AddCommand(receive.Entrypoint(v))
	rootCmd.AddCommand(queue.Entrypoint(v))
	rootCmd.AddCommand(queue.AddressEntrypoint(v))
	rootCmd.AddCommand(recovery.Entrypoint(v))
	rootCmd.AddCommand(newVersionCmd(v))
	return rootCmd
}
