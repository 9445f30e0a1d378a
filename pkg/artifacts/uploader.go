package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ReportDir is the subdirectory of an upload directory holding the HTML
// report. Its files are stored under the reports prefix.
const ReportDir = "report"

const defaultUploadConcurrency = 4

// UploadResult lists the keys written by Upload.
type UploadResult struct {
	Keys []string
}

// Upload walks dir and stores every file of a run. Files under report/ go to
// the reports prefix, a top-level metadata.json goes to the metadata prefix
// and everything else becomes a run artifact named by its relative path.
func (s *Store) Upload(ctx context.Context, brand, runID, dir string, concurrency int) (*UploadResult, error) {
	if err := validateRun(brand, runID); err != nil {
		return nil, err
	}

	if concurrency <= 0 {
		concurrency = defaultUploadConcurrency
	}

	var files []string

	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		files = append(files, p)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w", dir, err)
	}

	var (
		mu     sync.Mutex
		result = &UploadResult{Keys: make([]string, 0, len(files))}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, fmt.Errorf("computing relative path: %w", err)
		}

		key, err := uploadKey(brand, runID, filepath.ToSlash(rel))
		if err != nil {
			return nil, err
		}

		g.Go(func() error {
			if err := s.uploadFile(gctx, p, key); err != nil {
				return fmt.Errorf("uploading %s: %w", rel, err)
			}

			mu.Lock()
			result.Keys = append(result.Keys, key)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(result.Keys)

	s.log.WithFields(logrus.Fields{
		"brand":  brand,
		"run_id": runID,
		"files":  len(result.Keys),
	}).Info("Upload completed")

	return result, nil
}

func (s *Store) uploadFile(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return s.PutObject(ctx, key, f, DetectContentType(localPath))
}

func uploadKey(brand, runID, rel string) (string, error) {
	if err := ValidateName(rel); err != nil {
		return "", err
	}

	switch {
	case rel == MetadataName:
		return MetadataKey(brand, runID), nil
	case strings.HasPrefix(rel, ReportDir+"/"):
		return ReportKey(brand, runID, strings.TrimPrefix(rel, ReportDir+"/")), nil
	default:
		return ArtifactKey(brand, runID, rel), nil
	}
}
