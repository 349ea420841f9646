package obj

import (
	"context"
	"time"

	"github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	session *util.Session

	// ObjectCommands represents the object command group
	ObjectCommands = &cobra.Command{
		Use:                "obj",
		Short:              "Perform object operations on a target",
		PersistentPreRunE:  setupObjectClient,
		PersistentPostRunE: closeObjectClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add common RPC flags to the object command
	util.SetupRPCClientFlags(ObjectCommands)

	// Add subcommands
	ObjectCommands.AddCommand(createCmd)
	ObjectCommands.AddCommand(destroyCmd)
	ObjectCommands.AddCommand(statCmd)
	ObjectCommands.AddCommand(truncateCmd)
	ObjectCommands.AddCommand(punchCmd)
	ObjectCommands.AddCommand(readCmd)
	ObjectCommands.AddCommand(writeCmd)
	ObjectCommands.AddCommand(statfsCmd)
}

// setupObjectClient connects to the target
func setupObjectClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("connect-timeout")+time.Second)
	defer cancel()

	var err error
	session, err = util.Connect(ctx)
	return err
}

func closeObjectClient(_ *cobra.Command, _ []string) error {
	if session != nil {
		session.Close()
	}
	return nil
}

// opContext bounds a single command
func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*viper.GetDuration("timeout"))
}
