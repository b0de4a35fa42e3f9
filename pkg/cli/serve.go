package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/logger"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/queue"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/server"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/store"
	"github.com/dirkhh/adsb-feeder-image-sub000/pkg/version"
)

// NewServeCmd starts the queue daemon: the dispatcher claims queued records
// one at a time while the HTTP API accepts submissions and serves status.
func NewServeCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the test queue daemon and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRigConfig(cli)
			if err != nil {
				return err
			}

			recordStore, err := openStore(cfg)
			if err != nil {
				return err
			}

			testQueue := queue.New(recordStore, cfg.DedupWindow(), func(record *store.TestRecord) {
				orchestrator, err := newOrchestrator(cli, cfg, recordStore, record)
				if err != nil {
					logger.Error(err)
					if err := recordStore.CompleteRecord(record.ID, false, store.StagePrepare, err.Error()); err != nil {
						logger.Error(err)
					}
					return
				}
				orchestrator.Run(record.ID)
			})

			testQueue.Start()
			defer testQueue.Stop()

			logger.Info("starting boottest daemon",
				zap.String("version", version.Version()),
				zap.String("addr", cfg.ListenAddr))

			return server.New(recordStore, testQueue).Run(cfg.ListenAddr)
		},
	}
	return cmd
}
