// Package gcs archives PDFs in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/egazette-harvester/internal/archive"
	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// Archive uploads PDFs to a configured bucket. The local copy is marked
// transient: delivery removes it once sent, or the caller at once when
// nothing is delivered.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
}

// New creates a GCS-backed archive.
func New(client *storage.Client, cfg Config) (*Archive, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    time.Now,
	}, nil
}

// SetClock dates objects by clock.
func (a *Archive) SetClock(clock harvest.Clock) { a.now = clock.Now }

// ObjectName is where localPath will be stored.
func (a *Archive) ObjectName(localPath string) string {
	return path.Join(a.prefix, archive.DatedName(filepath.Base(localPath), a.now()))
}

// Store uploads localPath and returns its gs:// URI.
func (a *Archive) Store(ctx context.Context, localPath string) (harvest.Archived, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return harvest.Archived{}, fmt.Errorf("open pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	name := a.ObjectName(localPath)
	writer := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/pdf"
	if _, err := io.Copy(writer, f); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return harvest.Archived{}, fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return harvest.Archived{}, fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return harvest.Archived{}, fmt.Errorf("close writer: %w", err)
	}
	return harvest.Archived{
		URI:       fmt.Sprintf("gs://%s/%s", a.bucket, name),
		Path:      localPath,
		Transient: true,
	}, nil
}
