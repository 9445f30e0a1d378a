package artifacts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "artifacts/mweb/r-1/shots/home.png", ArtifactKey("mweb", "r-1", "shots/home.png"))
	assert.Equal(t, "reports/mweb/r-1/index.html", ReportKey("mweb", "r-1", ReportIndexName))
	assert.Equal(t, "metadata/mweb/r-1/metadata.json", MetadataKey("mweb", "r-1"))
	assert.Equal(t, []string{
		"artifacts/mweb/r-1/",
		"reports/mweb/r-1/",
		"metadata/mweb/r-1/",
	}, RunPrefixes("mweb", "r-1"))
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "shot.png"},
		{name: "nested", input: "checkout/step-1.png"},
		{name: "empty", input: "", wantErr: true},
		{name: "absolute", input: "/etc/passwd", wantErr: true},
		{name: "traversal", input: "../other/shot.png", wantErr: true},
		{name: "inner traversal", input: "a/../../b", wantErr: true},
		{name: "dot segment", input: "a/./b", wantErr: true},
		{name: "backslash", input: `a\b.png`, wantErr: true},
		{name: "double slash", input: "a//b", wantErr: true},
		{name: "trailing slash", input: "a/", wantErr: true},
		{name: "too long", input: strings.Repeat("a", maxNameLength+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		allowed bool
	}{
		{key: "artifacts/mweb/r-1/shot.png", allowed: true},
		{key: "reports/mweb/r-1/index.html", allowed: true},
		{key: "metadata/mweb/r-1/metadata.json", allowed: true},
		{key: "", allowed: false},
		{key: "artifacts", allowed: false},
		{key: "artifactsx/mweb/r-1/shot.png", allowed: false},
		{key: "secrets/key.pem", allowed: false},
		{key: "artifacts/../secrets/key.pem", allowed: false},
		{key: "/artifacts/mweb/r-1/shot.png", allowed: false},
		{key: "artifacts/mweb/r-1/", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestValidateRunKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		allowed bool
	}{
		{name: "artifact of run", key: "artifacts/mweb/r-1/shot.png", allowed: true},
		{name: "report of run", key: "reports/mweb/r-1/index.html", allowed: true},
		{name: "metadata of run", key: "metadata/mweb/r-1/metadata.json", allowed: true},
		{name: "other brand", key: "artifacts/webafrica/other-run/secret.png"},
		{name: "other run same brand", key: "artifacts/mweb/r-2/shot.png"},
		{name: "run id prefix", key: "artifacts/mweb/r-10/shot.png"},
		{name: "other metadata", key: "metadata/x/y/z.json"},
		{name: "outside prefixes", key: "private/mweb/r-1/shot.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunKey("mweb", "r-1", tt.key)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidKey)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		key  string
		want Category
	}{
		{key: "artifacts/mweb/r-1/home.png", want: CategoryScreenshot},
		{key: "artifacts/mweb/r-1/home.JPEG", want: CategoryScreenshot},
		{key: "artifacts/mweb/r-1/checkout.webm", want: CategoryVideo},
		{key: "artifacts/mweb/r-1/trace.zip", want: CategoryTrace},
		{key: "artifacts/mweb/r-1/results.json", want: CategoryReport},
		{key: "reports/mweb/r-1/data/shot.png", want: CategoryReport},
		{key: "metadata/mweb/r-1/metadata.json", want: CategoryMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.key))
		})
	}
}

func TestUploadKey(t *testing.T) {
	key, err := uploadKey("mweb", "r-1", "metadata.json")
	assert.NoError(t, err)
	assert.Equal(t, "metadata/mweb/r-1/metadata.json", key)

	key, err = uploadKey("mweb", "r-1", "report/index.html")
	assert.NoError(t, err)
	assert.Equal(t, "reports/mweb/r-1/index.html", key)

	key, err = uploadKey("mweb", "r-1", "videos/metadata.json")
	assert.NoError(t, err)
	assert.Equal(t, "artifacts/mweb/r-1/videos/metadata.json", key)
}
