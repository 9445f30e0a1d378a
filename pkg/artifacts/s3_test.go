package artifacts

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwebcode/hgc-frontend-tests-api/pkg/config"
)

const testBucket = "test-bucket"

// fakeS3 is a minimal path-style S3 endpoint. Signatures are not checked.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	lifecycle string
}

type listBucketResult struct {
	XMLName     xml.Name       `xml:"ListBucketResult"`
	Name        string         `xml:"Name"`
	Prefix      string         `xml:"Prefix"`
	KeyCount    int            `xml:"KeyCount"`
	MaxKeys     int            `xml:"MaxKeys"`
	IsTruncated bool           `xml:"IsTruncated"`
	Contents    []listContents `xml:"Contents"`
}

type listContents struct {
	Key          string `xml:"Key"`
	Size         int    `xml:"Size"`
	LastModified string `xml:"LastModified"`
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != testBucket {
		http.Error(w, "NoSuchBucket", http.StatusNotFound)

		return
	}

	switch {
	case key == "" && r.Method == http.MethodPut && r.URL.Query().Has("lifecycle"):
		body, _ := io.ReadAll(r.Body)
		f.lifecycle = string(body)
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet:
		f.list(w, r.URL.Query().Get("prefix"))
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<Error><Code>NoSuchKey</Code></Error>`))

			return
		}

		w.Header().Set("Content-Type", f.types[key])
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) contentType(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.types[key]
}

func (f *fakeS3) list(w http.ResponseWriter, prefix string) {
	res := listBucketResult{Name: testBucket, Prefix: prefix, MaxKeys: 1000}

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	for _, k := range keys {
		res.Contents = append(res.Contents, listContents{
			Key:          k,
			Size:         len(f.objects[k]),
			LastModified: "2026-03-01T09:00:00.000Z",
		})
	}

	res.KeyCount = len(res.Contents)

	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(res)
}

func newTestS3Backend(t *testing.T) (*s3Backend, *fakeS3) {
	t.Helper()

	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	b, ok := NewS3Backend(log, &config.S3Config{
		Bucket:          testBucket,
		Region:          "us-east-1",
		EndpointURL:     srv.URL,
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		PresignExpiry:   time.Hour,
	}).(*s3Backend)
	require.True(t, ok)
	require.NoError(t, b.Start(context.Background()))

	return b, fake
}

func TestS3Backend_RoundTripThroughPresignedURL(t *testing.T) {
	b, fake := newTestS3Backend(t)
	store := NewStore(logrus.New(), b)
	ctx := context.Background()

	data := []byte("<html>report</html>")

	key, err := store.PutArtifact(ctx, "mweb", "r-1", "summary.html", data, "")
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", fake.contentType(key))

	u, err := store.GetArtifactURL(ctx, "mweb", "r-1", "summary.html")
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Signature")

	resp, err := http.Get(u) //nolint:noctx // test request
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, got)
}

func TestS3Backend_CachesURLs(t *testing.T) {
	b, _ := newTestS3Backend(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	url1, err := b.URL(ctx, "artifacts/mweb/r-1/a.png")
	require.NoError(t, err)

	url2, err := b.URL(ctx, "artifacts/mweb/r-1/a.png")
	require.NoError(t, err)
	assert.Equal(t, url1, url2, "expected cached URL to be identical")

	url3, err := b.URL(ctx, "artifacts/mweb/r-1/b.png")
	require.NoError(t, err)
	assert.NotEqual(t, url1, url3)

	// Past half the expiry the cached entry is no longer handed out.
	b.now = func() time.Time { return now.Add(31 * time.Minute) }

	b.mu.RLock()
	entry := b.cache["artifacts/mweb/r-1/a.png"]
	b.mu.RUnlock()
	assert.False(t, b.now().Before(entry.expiresAt))

	_, err = b.URL(ctx, "secrets/key.pem")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestS3Backend_ExistsAndList(t *testing.T) {
	b, _ := newTestS3Backend(t)
	store := NewStore(logrus.New(), b)
	ctx := context.Background()

	_, err := store.PutArtifact(ctx, "mweb", "r-1", "a.png", []byte("a"), "")
	require.NoError(t, err)

	_, err = store.PutArtifact(ctx, "mweb", "r-1", "trace.zip", []byte("zip"), "")
	require.NoError(t, err)

	_, err = store.PutArtifact(ctx, "mweb", "r-2", "c.png", []byte("c"), "")
	require.NoError(t, err)

	ok, err := b.Exists(ctx, ArtifactKey("mweb", "r-1", "a.png"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Exists(ctx, ArtifactKey("mweb", "r-1", "missing.png"))
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := store.ListRun(ctx, "mweb", "r-1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"artifacts/mweb/r-1/a.png",
		"artifacts/mweb/r-1/trace.zip",
	}, keys)
}

func TestS3Backend_ApplyRetention(t *testing.T) {
	b, fake := newTestS3Backend(t)

	require.NoError(t, b.ApplyRetention(context.Background(), config.DefaultRetention))

	fake.mu.Lock()
	defer fake.mu.Unlock()

	assert.Contains(t, fake.lifecycle, "<Days>90</Days>")

	for _, prefix := range Prefixes {
		assert.Contains(t, fake.lifecycle, "expire-"+prefix)
	}
}
