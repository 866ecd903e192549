package main

import (
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-session/internal/cli"
)

// Set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

func newVersionCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rev, built := commit, buildDate
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, s := range info.Settings {
					switch {
					case s.Key == "vcs.revision" && rev == "":
						rev = s.Value
					case s.Key == "vcs.time" && built == "":
						built = s.Value
					}
				}
			}
			out := cli.NewOutput(cli.ParseFormat(v.GetString("output")), cmd.OutOrStdout())
			return out.KV("version").
				Set("Version", version).
				Set("Commit", orUnknown(rev)).
				Set("Built", orUnknown(built)).
				Set("Go", runtime.Version()).
				Render()
		},
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
