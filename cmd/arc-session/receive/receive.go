// Package receive implements the receive command.
package receive

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/cli"
	"github.com/gezibash/arc-session/pkg/client"
	"github.com/gezibash/arc-session/pkg/props"
)

// Entrypoint returns the receive command.
func Entrypoint(v *viper.Viper) *cobra.Command {
	var (
		filter string
		wait   time.Duration
		count  int
		noAck  bool
		tx     bool
	)

	cmd := &cobra.Command{
		Use:   "receive QUEUE",
		Short: "Receive messages from a queue",
		Long: `Receive up to --count messages from a queue, waiting up to --wait for each.
Received messages are acknowledged unless --no-ack is given, in which case
they are redelivered once the session closes.

Examples:
  arc-session receive orders
  arc-session receive orders --count 10 --wait 2s
  arc-session receive orders --filter 'props.color == "red"'
  arc-session receive orders --tx -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			if count < 1 {
				return fmt.Errorf("--count must be at least 1")
			}

			return cli.RunCommand(cmd.Context(), cli.Command{
				Viper:      v,
				Transacted: tx,
				Run: func(ctx context.Context, s *client.Session, out *cli.Output) error {
					var opts []client.ConsumerOption
					if filter != "" {
						opts = append(opts, client.WithFilter(filter))
					}
					c, err := s.CreateConsumer(ctx, queue, opts...)
					if err != nil {
						return err
					}

					tbl := out.Table("receive", "ID", "Address", "Deliveries", "Properties", "Body").
						Empty("no messages")
					for range count {
						msg, err := c.Receive(ctx, wait)
						if err != nil {
							return err
						}
						if msg == nil {
							break
						}
						if !noAck {
							if err := c.Acknowledge(ctx, msg); err != nil {
								return err
							}
						}
						tbl.AddRow(
							strconv.FormatUint(msg.ID, 10),
							msg.Address,
							strconv.Itoa(msg.DeliveryCount),
							props.Format(msg.Properties),
							string(msg.Body),
						)
					}
					if tx && !noAck {
						if err := s.Commit(ctx); err != nil {
							return fmt.Errorf("commit: %w", err)
						}
					}
					return tbl.Render()
				},
			})
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "CEL selector over address, id, durable and props")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 5*time.Second, "time to wait for each message (0 = no wait)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "maximum number of messages")
	cmd.Flags().BoolVar(&noAck, "no-ack", false, "do not acknowledge received messages")
	cmd.Flags().BoolVar(&tx, "tx", false, "acknowledge inside a local transaction and commit")
	return cmd
}
