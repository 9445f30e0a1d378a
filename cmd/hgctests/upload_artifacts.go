package main

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/artifacts"
	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

var (
	uploadBrand       string
	uploadRunID       string
	uploadDir         string
	uploadConcurrency int
)

var uploadArtifactsCmd = &cobra.Command{
	Use:   "upload-artifacts",
	Short: "Upload a run's artifacts and attach them to the run",
	Long: `Upload every file of a local directory to the artifact store and append
the artifact keys to the run record. Files under report/ are stored as the
run's HTML report and a top-level metadata.json as its metadata document.`,
	RunE: runUploadArtifacts,
}

func init() {
	rootCmd.AddCommand(uploadArtifactsCmd)
	uploadArtifactsCmd.Flags().StringVar(&uploadBrand, "brand", "", "brand of the run")
	uploadArtifactsCmd.Flags().StringVar(&uploadRunID, "run-id", "", "run id")
	uploadArtifactsCmd.Flags().StringVar(&uploadDir, "dir", "", "directory to upload")
	uploadArtifactsCmd.Flags().IntVar(&uploadConcurrency, "concurrency", 4, "parallel uploads")

	_ = uploadArtifactsCmd.MarkFlagRequired("brand")
	_ = uploadArtifactsCmd.MarkFlagRequired("run-id")
	_ = uploadArtifactsCmd.MarkFlagRequired("dir")
}

func runUploadArtifacts(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx, (*config.Config).ValidateStores)
	if err != nil {
		return err
	}

	deps, err := buildDependencies(cfg)
	if err != nil {
		return err
	}

	stop, err := startStores(ctx, deps)
	if err != nil {
		return err
	}
	defer stop()

	// Fail before uploading anything if the run is unknown or expired.
	if _, err := deps.Runs.GetRun(ctx, uploadBrand, uploadRunID); err != nil {
		return fmt.Errorf("looking up run: %w", err)
	}

	res, err := deps.Artifacts.Upload(ctx, uploadBrand, uploadRunID, uploadDir, uploadConcurrency)
	if err != nil {
		return fmt.Errorf("uploading artifacts: %w", err)
	}

	refs := make([]string, 0, len(res.Keys))
	for _, key := range res.Keys {
		if !strings.HasPrefix(key, artifacts.PrefixReports+"/") {
			refs = append(refs, key)
		}
	}

	run, err := deps.Runs.AppendArtifacts(ctx, uploadBrand, uploadRunID, refs)
	if err != nil {
		return fmt.Errorf("attaching artifacts: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"uploaded":  len(res.Keys),
		"attached":  len(refs),
		"artifacts": len(run.ArtifactRefs),
	}).Info("Artifacts uploaded")

	return nil
}
