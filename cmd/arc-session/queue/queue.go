// Package queue implements the queue and address commands.
package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/cli"
	"github.com/gezibash/arc-session/pkg/client"
)

// Entrypoint returns the queue command group.
func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues",
	}
	cmd.AddCommand(newCreateCmd(v), newDeleteCmd(v), newQueryCmd(v))
	return cmd
}

// AddressEntrypoint returns the address command.
func AddressEntrypoint(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "address NAME",
		Short: "Show an address and the queues bound to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, func(ctx context.Context, s *client.Session, out *cli.Output) error {
				info, err := s.AddressQuery(ctx, args[0])
				if err != nil {
					return err
				}
				kv := out.KV("address").Set("Name", info.Name).Set("Exists", info.Exists)
				if info.Exists {
					kv.Set("Routing", info.Routing).Set("Queues", strings.Join(info.Queues, ", "))
				}
				return kv.Render()
			})
		},
	}
}

func run(ctx context.Context, v *viper.Viper, fn func(context.Context, *client.Session, *cli.Output) error) error {
	return cli.RunCommand(ctx, cli.Command{Viper: v, Run: fn})
}

func parseRouting(s string) (client.RoutingType, error) {
	switch strings.ToLower(s) {
	case "anycast", "":
		return client.Anycast, nil
	case "multicast":
		return client.Multicast, nil
	default:
		return "", fmt.Errorf("unknown routing %q (want anycast or multicast)", s)
	}
}

func newCreateCmd(v *viper.Viper) *cobra.Command {
	var (
		address string
		routing string
		durable bool
		filter  string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a queue",
		Long: `Create a queue bound to an address. The address defaults to the queue name.

Examples:
  arc-session queue create orders --durable
  arc-session queue create audit --address orders --routing multicast
  arc-session queue create red --address paint --filter 'props.color == "red"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := parseRouting(routing)
			if err != nil {
				return err
			}
			qc := client.QueueConfig{
				Name:    args[0],
				Address: address,
				Routing: rt,
				Durable: durable,
				Filter:  filter,
			}
			return run(cmd.Context(), v, func(ctx context.Context, s *client.Session, out *cli.Output) error {
				if err := s.CreateQueue(ctx, qc); err != nil {
					return err
				}
				return out.Result("queue-create", "created").
					With("Queue", qc.Name).
					With("Routing", qc.Routing).
					Render()
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address to bind (default: queue name)")
	cmd.Flags().StringVar(&routing, "routing", "anycast", "routing type (anycast, multicast)")
	cmd.Flags().BoolVar(&durable, "durable", false, "create a durable queue")
	cmd.Flags().StringVar(&filter, "filter", "", "CEL selector; only matching messages are routed to the queue")
	return cmd
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, func(ctx context.Context, s *client.Session, out *cli.Output) error {
				if err := s.DeleteQueue(ctx, args[0]); err != nil {
					return err
				}
				return out.Result("queue-delete", "deleted").With("Queue", args[0]).Render()
			})
		},
	}
}

func newQueryCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "query NAME",
		Short: "Show a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, func(ctx context.Context, s *client.Session, out *cli.Output) error {
				info, err := s.QueueQuery(ctx, args[0])
				if err != nil {
					return err
				}
				kv := out.KV("queue").Set("Name", info.Name).Set("Exists", info.Exists)
				if info.Exists {
					kv.Set("Address", info.Address).
						Set("Routing", info.Routing).
						Set("Durable", info.Durable).
						Set("Temporary", info.Temporary).
						Set("Filter", info.Filter).
						Set("Consumers", info.Consumers).
						Set("Messages", info.Messages)
				}
				return kv.Render()
			})
		},
	}
}
