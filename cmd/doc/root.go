package doc

import (
	"context"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/rpc/client"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
)

var (
	mongoClient *mongo.Client

	// DocCommands represents the document command group
	DocCommands = &cobra.Command{
		Use:                "doc",
		Short:              "Perform document operations against a dDoc server",
		PersistentPreRunE:  setupDocClient,
		PersistentPostRunE: closeDocClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common connection flags to the doc command
	util.SetupClientFlags(DocCommands)
	DocCommands.PersistentFlags().StringP("db", "d", "test", util.WrapString("Database of the collection commands"))

	// Add subcommands
	DocCommands.AddCommand(insertCmd)
	DocCommands.AddCommand(findCmd)
	DocCommands.AddCommand(countCmd)
	DocCommands.AddCommand(deleteCmd)
	DocCommands.AddCommand(watchCmd)
	DocCommands.AddCommand(statusCmd)
	DocCommands.AddCommand(reconfigCmd)
	DocCommands.AddCommand(perfTestCmd)
}

// setupDocClient binds the flags and connects the driver client for commands that need it
func setupDocClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if cmd.Annotations[rawWire] == "true" {
		return nil
	}

	config := util.GetClientConfig()
	ctx, cancel := util.CommandContext()
	defer cancel()

	var err error
	mongoClient, err = client.Connect(ctx, *config, config.Endpoints[0], true)
	return err
}

func closeDocClient(_ *cobra.Command, _ []string) error {
	if mongoClient == nil {
		return nil
	}
	return mongoClient.Disconnect(context.Background())
}
