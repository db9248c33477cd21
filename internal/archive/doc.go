// Package archive holds the backends that take ownership of downloaded PDFs
// once they have been detected and validated. Subpackages implement
// harvest.Archive: local moves files into a dated directory tree, gcs uploads
// them to a bucket.
package archive

import (
	"path"
	"time"
)

// DatedName returns "<yyyy-mm-dd>/<filename>" for at.
func DatedName(filename string, at time.Time) string {
	return path.Join(at.Format(time.DateOnly), filename)
}
