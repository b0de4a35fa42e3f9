package cli

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
)

// NewRunCmd runs a single boot test in-process and exits non-zero on
// failure, for manual rig checks and CI wrappers that bypass the daemon.
func NewRunCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run IMAGE_URL",
		Short: "Boot-test a single image and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRigConfig(cli)
			if err != nil {
				return err
			}

			recordStore := store.NewMemory()
			record, err := recordStore.CreateRecord(args[0], "cli")
			if err != nil {
				return errors.Wrap(err, "create record")
			}
			if err := recordStore.MarkRunning(record.ID); err != nil {
				return errors.Wrap(err, "mark running")
			}

			orchestrator, err := newOrchestrator(cli, cfg, recordStore, record)
			if err != nil {
				return err
			}
			orchestrator.Run(record.ID)

			record, err = recordStore.GetRecord(record.ID)
			if err != nil {
				return errors.Wrap(err, "get record")
			}

			if record.Status != store.StatusPassed {
				return errors.Errorf("test failed at %s: %s", record.ErrorStage, record.ErrorMessage)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "test %s passed\n", record.ID)
			return nil
		},
	}
	return cmd
}
