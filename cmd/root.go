package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dRPC/cmd/bench"
	"github.com/ValentinKolb/dRPC/cmd/lock"
	"github.com/ValentinKolb/dRPC/cmd/obj"
	"github.com/ValentinKolb/dRPC/cmd/ping"
	"github.com/ValentinKolb/dRPC/cmd/serve"
	"github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "drpc",
		Short: "reliable request/reply RPC over unreliable message networks",
		Long: fmt.Sprintf(`dRPC (v%s)

An RPC engine with reply tracking, resends, replay after server restarts
and bulk data transfers, together with an object target built on top of it.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dRPC",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dRPC v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(obj.ObjectCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(ping.PingCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use for object bodies (binary, json, gob, xdr)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("log level (debug, info, warning, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
