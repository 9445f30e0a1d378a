package artifacts

import (
	"fmt"
	"path"
	"strings"
)

// Top-level prefixes of the object store.
const (
	PrefixArtifacts = "artifacts"
	PrefixReports   = "reports"
	PrefixMetadata  = "metadata"
)

const (
	// ReportIndexName is the entry page of a run's HTML report.
	ReportIndexName = "index.html"

	// MetadataName is the run metadata document written by CI.
	MetadataName = "metadata.json"

	maxNameLength = 512
)

// Prefixes lists every prefix the store may read or sign.
var Prefixes = []string{PrefixArtifacts, PrefixReports, PrefixMetadata}

// ArtifactKey returns the object key of a named run artifact:
// artifacts/{brand}/{runId}/{name}.
func ArtifactKey(brand, runID, name string) string {
	return runKey(PrefixArtifacts, brand, runID, name)
}

// ReportKey returns the object key of a file of the run's HTML report.
func ReportKey(brand, runID, name string) string {
	return runKey(PrefixReports, brand, runID, name)
}

// MetadataKey returns the object key of the run metadata document.
func MetadataKey(brand, runID string) string {
	return runKey(PrefixMetadata, brand, runID, MetadataName)
}

// RunPrefixes returns the key prefixes holding objects of one run.
func RunPrefixes(brand, runID string) []string {
	out := make([]string, 0, len(Prefixes))
	for _, p := range Prefixes {
		out = append(out, p+"/"+brand+"/"+runID+"/")
	}

	return out
}

func runKey(prefix, brand, runID, name string) string {
	return prefix + "/" + brand + "/" + runID + "/" + name
}

// ValidateName checks that name is a clean relative path usable as the last
// part of an object key.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidName, maxNameLength)
	case strings.HasPrefix(name, "/"):
		return fmt.Errorf("%w: %q is absolute", ErrInvalidName, name)
	case strings.Contains(name, "\\"):
		return fmt.Errorf("%w: %q contains a backslash", ErrInvalidName, name)
	}

	for _, seg := range strings.Split(name, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q contains a relative segment", ErrInvalidName, name)
		}
	}

	if path.Clean(name) != name {
		return fmt.Errorf("%w: %q is not a clean path", ErrInvalidName, name)
	}

	return nil
}

func validateRun(brand, runID string) error {
	for _, seg := range []string{brand, runID} {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\") {
			return fmt.Errorf("%w: invalid brand or run id %q", ErrInvalidName, seg)
		}
	}

	return nil
}

// ValidateKey checks that key is clean and lies under one of Prefixes.
func ValidateKey(key string) error {
	if key == "" || strings.Contains(key, "..") || path.Clean(key) != key || strings.HasPrefix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	for _, prefix := range Prefixes {
		if strings.HasPrefix(key, prefix+"/") {
			return nil
		}
	}

	return fmt.Errorf("%w: %q is outside the artifact prefixes", ErrInvalidKey, key)
}

// ValidateRunKey checks that key is valid and belongs to the given run.
func ValidateRunKey(brand, runID, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := validateRun(brand, runID); err != nil {
		return err
	}

	for _, prefix := range RunPrefixes(brand, runID) {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return nil
		}
	}

	return fmt.Errorf("%w: %q does not belong to run %s/%s", ErrInvalidKey, key, brand, runID)
}

// Category groups artifacts for presentation.
type Category string

const (
	CategoryScreenshot Category = "screenshots"
	CategoryVideo      Category = "videos"
	CategoryTrace      Category = "traces"
	CategoryReport     Category = "reports"
	CategoryMetadata   Category = "metadata"
)

// Categorize derives an artifact's category from its key.
func Categorize(key string) Category {
	if strings.HasPrefix(key, PrefixMetadata+"/") {
		return CategoryMetadata
	}

	if strings.HasPrefix(key, PrefixReports+"/") {
		return CategoryReport
	}

	switch strings.ToLower(path.Ext(key)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return CategoryScreenshot
	case ".webm", ".mp4", ".mov":
		return CategoryVideo
	case ".zip":
		return CategoryTrace
	default:
		return CategoryReport
	}
}
