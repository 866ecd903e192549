// Package send implements the send command.
package send

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/cli"
	"github.com/gezibash/arc-session/pkg/client"
	"github.com/gezibash/arc-session/pkg/props"
)

// Entrypoint returns the send command.
func Entrypoint(v *viper.Viper) *cobra.Command {
	var (
		properties []string
		durable    bool
		seq        bool
		count      int
		tx         bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send ADDRESS [BODY]",
		Short: "Send a message to an address",
		Long: `Send a message to an address. The body is read from stdin when not given.

Examples:
  arc-session send orders '{"id": 1}'
  arc-session send orders --prop color=red --prop priority=5 "urgent"
  arc-session send orders --tx --count 10 "batch" # one local transaction
  cat payload.bin | arc-session send blobs`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := args[0]

			var body []byte
			if len(args) > 1 {
				body = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				body = data
			}

			msgProps, err := props.Parse(properties)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			return cli.RunCommand(cmd.Context(), cli.Command{
				Viper:      v,
				Transacted: tx,
				Timeout:    timeout,
				Run: func(ctx context.Context, s *client.Session, out *cli.Output) error {
					p, err := s.CreateProducer(ctx)
					if err != nil {
						return err
					}
					for i := range count {
						msg := client.Message{Address: address, Body: body, Properties: msgProps, Durable: durable}
						if seq {
							msg.Properties = props.Merge(msgProps, map[string]any{"seq": int64(i + 1)})
						}
						if err := p.Send(ctx, msg); err != nil {
							return fmt.Errorf("send message %d: %w", i+1, err)
						}
					}
					if tx {
						if err := s.Commit(ctx); err != nil {
							return fmt.Errorf("commit: %w", err)
						}
					}
					return out.Result("send", "sent").
						With("Address", address).
						With("Messages", count).
						With("Size", len(body)).
						With("Properties", props.Format(msgProps)).
						With("Transacted", tx).
						Render()
				},
			})
		},
	}

	cmd.Flags().StringArrayVarP(&properties, "prop", "p", nil, "message property key=value (repeatable)")
	cmd.Flags().BoolVar(&durable, "durable", false, "mark the message durable")
	cmd.Flags().BoolVar(&seq, "seq", false, "add a seq property numbering each copy from 1")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of copies to send")
	cmd.Flags().BoolVar(&tx, "tx", false, "send inside a local transaction and commit")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "time allowed for the command")
	return cmd
}
