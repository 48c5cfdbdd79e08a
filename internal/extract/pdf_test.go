package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"docflow/internal/util"

	"github.com/stretchr/testify/require"
)

// buildPDF writes a minimal single-font PDF with one page per entry.
func buildPDF(pages ...string) []byte {
	var objects []string
	kids := make([]string, 0, len(pages))
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")
	objects = append(objects, "") // pages tree, filled below
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for _, text := range pages {
		stream := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
		objects = append(objects, fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
		contentRef := len(objects)
		objects = append(objects, fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", contentRef))
		kids = append(kids, fmt.Sprintf("%d 0 R", len(objects)))
	}
	objects[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages))

	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return b.Bytes()
}

func TestExtractText(t *testing.T) {
	data := buildPDF(
		"Retrieval augmented generation grounds answers in stored chunks.",
		"The second page talks about embeddings and cosine similarity.",
	)
	res, err := NewPDF(0).Extract(context.Background(), data)
	require.NoError(t, err)
	require.Equal(t, 2, res.PageCount)
	require.Contains(t, res.Text, "Retrieval augmented generation")
	require.Contains(t, res.Text, "cosine similarity")
}

func TestExtractTooLittleText(t *testing.T) {
	_, err := NewPDF(50).Extract(context.Background(), buildPDF("Scan"))
	require.ErrorIs(t, err, util.ErrNoExtractableText)
	require.ErrorIs(t, err, util.ErrValidation)
}

func TestExtractCorrupt(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("%PDF-1.4\nthis is not really a pdf"),
		[]byte("plain text"),
	} {
		_, err := NewPDF(0).Extract(context.Background(), data)
		require.ErrorIs(t, err, util.ErrCorruptDocument)
	}
}

func TestExtractHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPDF(0).Extract(ctx, buildPDF("anything"))
	require.ErrorIs(t, err, context.Canceled)
}
