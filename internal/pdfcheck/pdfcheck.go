// Package pdfcheck rejects downloads that are not usable PDF documents, such
// as HTML error pages served with a PDF name.
package pdfcheck

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrEmpty is returned for zero-length files.
	ErrEmpty = errors.New("empty file")
	// ErrNotPDF is returned when the file lacks the %PDF- header.
	ErrNotPDF = errors.New("missing pdf header")
)

var magic = []byte("%PDF-")

var disableConfig sync.Once

// Validator checks the header and, when Structural is set, the document
// structure via pdfcpu in relaxed mode.
type Validator struct {
	Structural bool
	conf       *model.Configuration
}

// New returns a Validator.
func New(structural bool) *Validator {
	disableConfig.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Validator{Structural: structural, conf: conf}
}

// Validate reports why path is not a usable PDF.
func (v *Validator) Validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 1024)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read pdf: %w", err)
	}
	if n == 0 {
		return ErrEmpty
	}
	// Readers accept the header anywhere in the first kilobyte.
	if !bytes.Contains(head[:n], magic) {
		return ErrNotPDF
	}
	if !v.Structural {
		return nil
	}
	if err := api.ValidateFile(path, v.conf); err != nil {
		return fmt.Errorf("validate pdf: %w", err)
	}
	return nil
}
