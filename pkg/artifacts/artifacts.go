// Package artifacts stores per-run test artifacts and hands out
// time-limited URLs for them.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"time"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidName is returned for artifact names that are not clean
	// relative paths.
	ErrInvalidName = errors.New("invalid artifact name")

	// ErrInvalidKey is returned for keys outside the artifact prefixes.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// resolveConcurrency bounds parallel URL generation.
const resolveConcurrency = 8

// Object describes a stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Artifact is a stored artifact with a retrieval URL.
type Artifact struct {
	Key      string   `json:"key"`
	Name     string   `json:"name"`
	Category Category `json:"category"`
	URL      string   `json:"url"`
}

// Backend is the object storage used by a Store.
type Backend interface {
	Start(ctx context.Context) error

	// PutObject writes body at key, replacing any existing object.
	PutObject(ctx context.Context, key string, body io.ReadSeeker, contentType string) error

	// URL returns a time-limited GET URL for key.
	URL(ctx context.Context, key string) (string, error)

	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
}

// NewBackend creates the backend selected by cfg.Driver.
func NewBackend(log logrus.FieldLogger, cfg *config.ArtifactsConfig) (Backend, error) {
	switch cfg.Driver {
	case config.ArtifactsDriverS3:
		return NewS3Backend(log, &cfg.S3), nil
	case config.ArtifactsDriverLocal:
		return NewLocalBackend(log, &cfg.Local), nil
	default:
		return nil, fmt.Errorf("unsupported artifacts driver %q", cfg.Driver)
	}
}

// Store addresses artifacts by brand, run and name on top of a Backend.
type Store struct {
	log     logrus.FieldLogger
	backend Backend
}

// NewStore wraps backend.
func NewStore(log logrus.FieldLogger, backend Backend) *Store {
	return &Store{
		log:     log.WithField("component", "artifacts"),
		backend: backend,
	}
}

// Backend returns the underlying object storage.
func (s *Store) Backend() Backend {
	return s.backend
}

// PutArtifact writes data at the artifact key of (brand, runID, name). Writing
// the same name again overwrites the object.
func (s *Store) PutArtifact(
	ctx context.Context,
	brand, runID, name string,
	data []byte,
	contentType string,
) (string, error) {
	if err := validateRun(brand, runID); err != nil {
		return "", err
	}

	if err := ValidateName(name); err != nil {
		return "", err
	}

	key := ArtifactKey(brand, runID, name)

	if err := s.PutObject(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", err
	}

	return key, nil
}

// PutObject writes body at key after validating it. An empty contentType is
// derived from the key's extension.
func (s *Store) PutObject(ctx context.Context, key string, body io.ReadSeeker, contentType string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if contentType == "" {
		contentType = DetectContentType(key)
	}

	if err := s.backend.PutObject(ctx, key, body, contentType); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}

	s.log.WithField("key", key).Debug("Stored artifact")

	return nil
}

// GetArtifactURL returns a time-limited URL for the named artifact.
func (s *Store) GetArtifactURL(ctx context.Context, brand, runID, name string) (string, error) {
	if err := validateRun(brand, runID); err != nil {
		return "", err
	}

	if err := ValidateName(name); err != nil {
		return "", err
	}

	return s.URL(ctx, ArtifactKey(brand, runID, name))
}

// URL returns a time-limited URL for key.
func (s *Store) URL(ctx context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	u, err := s.backend.URL(ctx, key)
	if err != nil {
		return "", fmt.Errorf("generating url for %s: %w", key, err)
	}

	return u, nil
}

// Resolve turns artifact references of a run into artifacts with URLs.
// References that do not belong to the run are skipped.
func (s *Store) Resolve(ctx context.Context, brand, runID string, refs []string) ([]Artifact, error) {
	valid := make([]string, 0, len(refs))

	for _, ref := range refs {
		if err := ValidateRunKey(brand, runID, ref); err != nil {
			s.log.WithField("ref", ref).Warn("Skipping invalid artifact reference")

			continue
		}

		valid = append(valid, ref)
	}

	out := make([]Artifact, len(valid))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(resolveConcurrency)

	for i, key := range valid {
		g.Go(func() error {
			u, err := s.URL(gctx, key)
			if err != nil {
				return err
			}

			out[i] = Artifact{
				Key:      key,
				Name:     path.Base(key),
				Category: Categorize(key),
				URL:      u,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

// ReportURL returns the URL of the run's HTML report, or "" if the run has
// no report.
func (s *Store) ReportURL(ctx context.Context, brand, runID string) (string, error) {
	key := ReportKey(brand, runID, ReportIndexName)

	ok, err := s.backend.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("checking report: %w", err)
	}

	if !ok {
		return "", nil
	}

	return s.URL(ctx, key)
}

// ListRun returns the keys of every stored object of a run.
func (s *Store) ListRun(ctx context.Context, brand, runID string) ([]string, error) {
	var keys []string

	for _, prefix := range RunPrefixes(brand, runID) {
		objs, err := s.backend.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}

		for _, o := range objs {
			keys = append(keys, o.Key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Group buckets artifacts by category.
func Group(list []Artifact) map[Category][]Artifact {
	out := make(map[Category][]Artifact)
	for _, a := range list {
		out[a.Category] = append(out[a.Category], a)
	}

	return out
}

// DetectContentType returns a MIME type based on the key's extension.
func DetectContentType(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return "application/octet-stream"
	}

	ct := mime.TypeByExtension(ext)
	if ct == "" {
		return "application/octet-stream"
	}

	return ct
}
