package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"docflow/internal/util"

	"github.com/ledongthuc/pdf"
)

const DefaultMinChars = 50

// Result is the text layer of a document.
type Result struct {
	Text      string
	PageCount int
}

// PDF extracts plain text from PDF bytes.
type PDF struct {
	MinChars int
}

func NewPDF(minChars int) *PDF {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &PDF{MinChars: minChars}
}

// Extract returns util.ErrCorruptDocument when the bytes cannot be parsed and
// util.ErrNoExtractableText when the text layer is shorter than MinChars.
func (p *PDF) Extract(ctx context.Context, data []byte) (res Result, err error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			res, err = Result{}, fmt.Errorf("%w: %v", util.ErrCorruptDocument, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: open pdf: %v", util.ErrCorruptDocument, err)
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return Result{}, fmt.Errorf("%w: extract pdf text: %v", util.ErrCorruptDocument, err)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, reader); err != nil {
		return Result{}, fmt.Errorf("%w: read extracted text: %v", util.ErrCorruptDocument, err)
	}

	text := util.SanitizeText(strings.TrimSpace(buf.String()))
	if utf8.RuneCountInString(text) < p.MinChars {
		return Result{}, util.ErrNoExtractableText
	}
	return Result{Text: text, PageCount: r.NumPage()}, nil
}
