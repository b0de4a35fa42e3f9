package cli

import (
	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
)

// NewBootTestCmd creates the CLI for the feeder image boot-test rig
func NewBootTestCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boottest",
		Short: "Boot-test orchestrator for feeder images on real and virtual hardware",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cli.GetViper().BindPFlags(cmd.PersistentFlags()); err != nil {
				return err
			}
			if cli.GetViper().GetBool("debug") {
				logger.SetDebug()
			}
			return nil
		},
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cli.GetViper().BindPFlags(cmd.Flags())
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	cmd.PersistentFlags().String("rig-config", "/etc/boottest/rig.yaml", "path to the rig config file")

	AddCommands(cmd, cli)

	return cmd
}
