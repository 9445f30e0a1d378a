package artifacts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
	"github.com/sirupsen/logrus"
)

// FilesRoute is the API path prefix under which local artifacts are served.
const FilesRoute = "/files/"

// ErrInvalidSignature is returned when a signed file URL does not verify or
// has expired.
var ErrInvalidSignature = errors.New("invalid or expired signature")

// SignedFileServer is implemented by backends whose URLs point back at the
// API instead of at an external object store.
type SignedFileServer interface {
	ServeSigned(w http.ResponseWriter, r *http.Request, key string) error
}

// localBackend stores artifacts as files under a root directory. URLs are
// HMAC-signed and expire, mirroring presigned object store URLs.
type localBackend struct {
	log     logrus.FieldLogger
	root    string
	baseURL string
	key     []byte
	expiry  time.Duration
	now     func() time.Time
}

// Compile-time interface checks.
var (
	_ Backend          = (*localBackend)(nil)
	_ SignedFileServer = (*localBackend)(nil)
)

// NewLocalBackend creates a filesystem backend.
func NewLocalBackend(log logrus.FieldLogger, cfg *config.LocalArtifactConfig) Backend {
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = config.DefaultPresignExpiry
	}

	return &localBackend{
		log:     log.WithField("component", "local-artifacts"),
		root:    filepath.Clean(cfg.Root),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		key:     []byte(cfg.SigningKey),
		expiry:  expiry,
		now:     time.Now,
	}
}

// Start creates the root directory.
func (l *localBackend) Start(_ context.Context) error {
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		return fmt.Errorf("creating artifact root: %w", err)
	}

	l.log.WithField("root", l.root).Info("Artifact store ready")

	return nil
}

// PutObject writes body to a temporary file and renames it into place so
// readers never observe a partial object.
func (l *localBackend) PutObject(_ context.Context, key string, body io.ReadSeeker, _ string) error {
	full, err := l.resolve(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("writing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}

	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("renaming file: %w", err)
	}

	return nil
}

// URL returns {base_url}/files/{key}?expires=..&sig=..
func (l *localBackend) URL(_ context.Context, key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	expires := l.now().Add(l.expiry).Unix()

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", l.sign(key, expires))

	return l.baseURL + FilesRoute + strings.Join(segments, "/") + "?" + q.Encode(), nil
}

// Exists reports whether key holds a file.
func (l *localBackend) Exists(_ context.Context, key string) (bool, error) {
	full, err := l.resolve(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}

	return info.Mode().IsRegular(), nil
}

// List returns files whose key starts with prefix.
func (l *localBackend) List(_ context.Context, prefix string) ([]Object, error) {
	dir := filepath.Join(l.root, filepath.FromSlash(strings.TrimRight(prefix, "/")))
	if !strings.HasSuffix(prefix, "/") {
		dir = filepath.Dir(dir)
	}

	var out []Object

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}

			return err
		}

		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}

		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}

		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		out = append(out, Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	return out, nil
}

// ServeSigned verifies the expires/sig query of r for key and serves the
// file.
func (l *localBackend) ServeSigned(w http.ResponseWriter, r *http.Request, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := l.verify(key, r.URL.Query().Get("expires"), r.URL.Query().Get("sig")); err != nil {
		return err
	}

	full, err := l.resolve(key)
	if err != nil {
		return err
	}

	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	w.Header().Set("Content-Type", DetectContentType(key))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)

	return nil
}

func (l *localBackend) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))

	return hex.EncodeToString(mac.Sum(nil))
}

func (l *localBackend) verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}

	if !l.now().Before(time.Unix(exp, 0)) {
		return ErrInvalidSignature
	}

	want, err := hex.DecodeString(l.sign(key, exp))
	if err != nil {
		return ErrInvalidSignature
	}

	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(want, got) {
		return ErrInvalidSignature
	}

	return nil
}

// resolve maps key to a path under root, rejecting anything that would
// escape it.
func (l *localBackend) resolve(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	full := filepath.Join(l.root, filepath.FromSlash(key))
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the artifact root", ErrInvalidKey, key)
	}

	return full, nil
}
