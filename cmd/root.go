package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dDoc/cmd/doc"
	"github.com/ValentinKolb/dDoc/cmd/serve"
	"github.com/ValentinKolb/dDoc/rpc/server"
	"github.com/spf13/cobra"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ddoc",
		Short: "embedded document server with primary/secondary replication",
		Long: fmt.Sprintf(`dDoc (v%s)

An embedded, in-memory document server written in Go that speaks the MongoDB
wire protocol. Nodes of a replica set pick their primary by priority and
secondaries follow it through snapshot, catch up and change streams.`, server.Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dDoc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dDoc v%s\n", server.Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(doc.DocCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
