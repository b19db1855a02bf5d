package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	officeconvert "github.com/alnah/go-officeconvert"
)

// Checked wraps an Engine and rejects conversion output that is not a
// readable PDF with at least one page.
type Checked struct {
	Engine
}

// NewChecked wraps e with output verification.
func NewChecked(e Engine) *Checked {
	return &Checked{Engine: e}
}

func (c *Checked) Convert(ctx context.Context, document []byte) ([]byte, error) {
	out, err := c.Engine.Convert(ctx, document)
	if err != nil {
		return nil, err
	}
	if err := VerifyPDF(out); err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyPDF parses data and reports an engine failure unless it is a PDF
// with at least one page.
func VerifyPDF(data []byte) (err error) {
	// The parser panics on some truncated inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: unreadable PDF output: %v", officeconvert.ErrEngineFailure, r)
		}
	}()

	if len(data) == 0 {
		return fmt.Errorf("%w: empty PDF output", officeconvert.ErrEngineFailure)
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: unreadable PDF output: %v", officeconvert.ErrEngineFailure, err)
	}
	if r.NumPage() < 1 {
		return fmt.Errorf("%w: PDF output has no pages", officeconvert.ErrEngineFailure)
	}
	return nil
}
