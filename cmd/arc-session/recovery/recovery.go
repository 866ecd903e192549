// Package recovery implements the xa commands that inspect and resolve
// in-doubt branches.
package recovery

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/cli"
	"github.com/gezibash/arc-session/pkg/client"
	"github.com/gezibash/arc-session/pkg/xa"
)

// Entrypoint returns the xa command group.
func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xa",
		Short: "Inspect and resolve in-doubt XA branches",
		Long: `Inspect and resolve XA branches left prepared or heuristically completed.
Xids are written as FORMAT:GTRID:BQUAL with hex-encoded GTRID and BQUAL,
as printed by "xa recover".`,
	}
	cmd.AddCommand(
		newRecoverCmd(v),
		newCompleteCmd(v, "commit", "Commit a prepared branch"),
		newCompleteCmd(v, "rollback", "Roll back a prepared branch"),
		newCompleteCmd(v, "forget", "Forget a heuristically completed branch"),
		newHeuristicCmd(v),
	)
	return cmd
}

func runXA(ctx context.Context, v *viper.Viper, fn func(context.Context, *client.XAResource, *cli.Output) error) error {
	return cli.RunCommand(ctx, cli.Command{
		Viper: v,
		XA:    true,
		Run: func(ctx context.Context, s *client.Session, out *cli.Output) error {
			return fn(ctx, s.XAResource(), out)
		},
	})
}

func newRecoverCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "List prepared and heuristically completed branches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runXA(cmd.Context(), v, func(ctx context.Context, r *client.XAResource, out *cli.Output) error {
				xids, err := r.Recover(ctx, xa.TMStartRScan|xa.TMEndRScan)
				if err != nil {
					return err
				}
				tbl := out.Table("xa-recover", "Xid", "Format ID").Empty("no prepared branches")
				for _, x := range xids {
					tbl.AddRow(x.String(), strconv.FormatInt(int64(x.FormatID), 10))
				}
				return tbl.Render()
			})
		},
	}
}

func newCompleteCmd(v *viper.Viper, verb, short string) *cobra.Command {
	var onePhase bool
	cmd := &cobra.Command{
		Use:   verb + " XID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := xa.ParseKey(args[0])
			if err != nil {
				return err
			}
			return runXA(cmd.Context(), v, func(ctx context.Context, r *client.XAResource, out *cli.Output) error {
				switch verb {
				case "commit":
					err = r.Commit(ctx, xid, onePhase)
				case "rollback":
					err = r.Rollback(ctx, xid)
				case "forget":
					err = r.Forget(ctx, xid)
				}
				if err != nil {
					return err
				}
				return out.Result("xa-"+verb, verb+" done").With("Xid", xid.String()).Render()
			})
		},
	}
	if verb == "commit" {
		cmd.Flags().BoolVar(&onePhase, "one-phase", false, "commit a branch that was never prepared")
	}
	return cmd
}

func newHeuristicCmd(v *viper.Viper) *cobra.Command {
	var commit bool
	cmd := &cobra.Command{
		Use:   "heuristic XID",
		Short: "Complete a prepared branch without its transaction manager",
		Long: `Complete a prepared branch without waiting for its transaction manager.
The branch then reports the heuristic outcome to the transaction manager
until it is forgotten.

Examples:
  arc-session xa heuristic 1:6a1f...:09c2... --commit
  arc-session xa heuristic 1:6a1f...:09c2...          # roll back`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			xid, err := xa.ParseKey(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			conn, closeConn, err := cli.Connect(ctx, v)
			if err != nil {
				return err
			}
			defer closeConn()

			if err := conn.ResolveHeuristically(ctx, xid, commit); err != nil {
				return err
			}
			outcome := "heuristic-rollback"
			if commit {
				outcome = "heuristic-commit"
			}
			return cli.NewOutputFromViper(v).Result("xa-heuristic", outcome).With("Xid", xid.String()).Render()
		},
	}
	cmd.Flags().BoolVar(&commit, "commit", false, "commit instead of rolling back")
	return cmd
}
