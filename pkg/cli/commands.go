package cli

import (
	"github.com/spf13/cobra"
)

// AddCommands adds run/serve/queue/version commands to the cobra object
func AddCommands(cmd *cobra.Command, cli CLI) {
	cmd.AddCommand(NewRunCmd(cli))
	cmd.AddCommand(NewServeCmd(cli))

	queueCmd := NewQueueCmd(cli)
	queueCmd.AddCommand(NewQueueAddCmd(cli))
	queueCmd.AddCommand(NewQueueListCmd(cli))
	queueCmd.AddCommand(NewQueueStatusCmd(cli))
	cmd.AddCommand(queueCmd)

	cmd.AddCommand(NewVersionCmd(cli))
}
