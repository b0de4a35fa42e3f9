package cli

import (
	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/version"
)

func NewVersionCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			version.Fprint(cmd.OutOrStdout())
			return nil
		},
	}
	return cmd
}
