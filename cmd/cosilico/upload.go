package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cosilico/ingest/internal/catalog"
	"github.com/cosilico/ingest/internal/ingest"
	"github.com/cosilico/ingest/internal/storage"
)

var uploadCmd = &cobra.Command{
	Use:   "upload bundle.json",
	Short: "upload the archives of a bundle and record it in the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		b, err := ingest.ReadBundle(args[0])
		if err != nil {
			return err
		}
		store, err := cfg.Storage.NewStore()
		if err != nil {
			return err
		}
		err = storage.UploadBundle(cmd.Context(), store, b, storage.UploadOptions{
			Concurrency: cfg.Storage.Concurrency,
			Logger:      log,
		})
		if err != nil {
			return err
		}

		cat, err := catalog.NewStore(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		defer cat.Close()
		if err := cat.SaveBundle(b); err != nil {
			return err
		}
		log.Info("recorded experiment", zap.String("experiment", b.Experiment.ID), zap.String("catalog", cfg.Catalog.Path))
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d archives of experiment %s\n", len(b.Archives()), b.Experiment.ID)
		return nil
	},
}
