package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/artifacts"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/runs"
)

var (
	reportBrand      string
	reportRunID      string
	reportStatus     string
	reportArtifacts  []string
	reportCIRunID    string
	reportConclusion string
	reportCommit     string
	reportActor      string
	reportDuration   int64
)

var reportStatusCmd = &cobra.Command{
	Use:   "report-status",
	Short: "Move a run to a new status",
	Long: `Report a status transition for a run from inside a CI job. Transitions
out of a terminal status are rejected.`,
	RunE: runReportStatus,
}

func init() {
	rootCmd.AddCommand(reportStatusCmd)

	f := reportStatusCmd.Flags()
	f.StringVar(&reportBrand, "brand", "", "brand of the run")
	f.StringVar(&reportRunID, "run-id", "", "run id")
	f.StringVar(&reportStatus, "status", "", "new status (running, passed, failed, error)")
	f.StringSliceVar(&reportArtifacts, "artifact", nil, "artifact key to attach (repeatable)")
	f.StringVar(&reportCIRunID, "ci-run-id", "", "CI run identifier")
	f.StringVar(&reportConclusion, "conclusion", "", "CI conclusion")
	f.StringVar(&reportCommit, "commit", "", "commit under test")
	f.StringVar(&reportActor, "actor", "", "who triggered the run")
	f.Int64Var(&reportDuration, "duration", 0, "run duration in seconds")

	_ = reportStatusCmd.MarkFlagRequired("brand")
	_ = reportStatusCmd.MarkFlagRequired("run-id")
	_ = reportStatusCmd.MarkFlagRequired("status")
}

func runReportStatus(cmd *cobra.Command, args []string) error {
	status, err := runs.ParseStatus(reportStatus)
	if err != nil {
		return err
	}

	for _, ref := range reportArtifacts {
		if err := artifacts.ValidateRunKey(reportBrand, reportRunID, ref); err != nil {
			return err
		}
	}

	ctx := cmd.Context()

	cfg, err := loadConfig(ctx, (*config.Config).ValidateStores)
	if err != nil {
		return err
	}

	runStore, err := runs.NewStore(log, &cfg.RunStore)
	if err != nil {
		return fmt.Errorf("creating run store: %w", err)
	}

	if err := runStore.Start(ctx); err != nil {
		return fmt.Errorf("starting run store: %w", err)
	}

	defer func() {
		if err := runStore.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop run store")
		}
	}()

	run, err := runStore.UpdateRunStatus(ctx, reportBrand, reportRunID, runs.StatusUpdate{
		Status:       status,
		ArtifactRefs: reportArtifacts,
		CIRunID:      reportCIRunID,
		Conclusion:   reportConclusion,
		Commit:       reportCommit,
		Actor:        reportActor,
		Duration:     reportDuration,
	})
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}

	log.WithFields(logrus.Fields{
		"brand":  run.Brand,
		"run_id": run.RunID,
		"status": run.Status,
	}).Info("Run status updated")

	return nil
}
