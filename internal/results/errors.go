package results

import (
	"errors"
	"fmt"
)

var (
	// ErrDownload is matched by every DownloadError.
	ErrDownload = errors.New("download failed")
	// ErrAlias is matched by every AliasError.
	ErrAlias = errors.New("alias failed")
	// ErrAliasCollision reports an alias target that exists with different
	// content.
	ErrAliasCollision = errors.New("alias target exists with different content")
)

// DownloadError reports a failure fetching an artifact or one of its files.
type DownloadError struct {
	ArtifactID int
	Path       string
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("download artifact %d: %v", e.ArtifactID, e.Err)
	}
	return fmt.Sprintf("download artifact %d file %s: %v", e.ArtifactID, e.Path, e.Err)
}

func (e *DownloadError) Unwrap() []error {
	return []error{ErrDownload, e.Err}
}

// AliasError reports an alias that could not be written.
type AliasError struct {
	Source string
	Target string
	Err    error
}

func (e *AliasError) Error() string {
	return fmt.Sprintf("alias %s -> %s: %v", e.Source, e.Target, e.Err)
}

func (e *AliasError) Unwrap() []error {
	return []error{ErrAlias, e.Err}
}
