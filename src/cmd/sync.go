package cmd

import (
	"github.com/rvr-protocol/streamsync/src/engine"
	"github.com/rvr-protocol/streamsync/src/utils/logger"
	"github.com/rvr-protocol/streamsync/src/utils/streams"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Keep local stream replicas in sync with the remote node",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		controller, err := engine.NewController(conf, conf.Crypto.UserId, nil)
		if err != nil {
			return
		}

		err = controller.Start()
		if err != nil {
			return
		}

		for _, streamId := range conf.Session.StreamIds {
			_, err = controller.TrackStream(ctx, streams.StreamId(streamId))
			if err != nil {
				controller.Log.WithError(err).
					WithField("streamId", streamId).
					Error("Failed to bring stream under sync")
			}
		}

		select {
		case <-controller.CtxRunning.Done():
		case <-ctx.Done():
		}

		controller.StopWait()

		return nil
	},
	PostRunE: func(cmd *cobra.Command, args []string) (err error) {
		log := logger.NewSublogger("sync-cmd")
		log.Debug("Finished sync command")
		cancel()
		return
	},
}
