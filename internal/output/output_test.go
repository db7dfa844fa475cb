package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_Messages(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  string
	}{
		{"status with icon", func(w *Writer) { w.Status(">", "ready") }, "> ready\n"},
		{"status without icon", func(w *Writer) { w.Status("", "detail") }, "  detail\n"},
		{"statusf", func(w *Writer) { w.Statusf("#", "%d files", 3) }, "# 3 files\n"},
		{"success", func(w *Writer) { w.Successf("dropped %s", "odprt_index") }, "✓ dropped odprt_index\n"},
		{"warning", func(w *Writer) { w.Warningf("%d failed", 2) }, "! 2 failed\n"},
		{"error", func(w *Writer) { w.Errorf("no such collection %q", "x") }, "✗ no such collection \"x\"\n"},
		{"header", func(w *Writer) { w.Header("Answer") }, "Answer\n"},
		{"dim", func(w *Writer) { w.Dim("request abc") }, "request abc\n"},
		{"newline", func(w *Writer) { w.Newline() }, "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.write(NewPlain(buf))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestWriter_KVAligns(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewPlain(buf)
	w.KV("Records", 12)
	w.KV("Classification", "related")

	assert.Equal(t, "  Records:        12\n  Classification: related\n", buf.String())
}

func TestWriter_Block(t *testing.T) {
	buf := &bytes.Buffer{}
	NewPlain(buf).Block("line one\nline two\n")
	assert.Equal(t, "\n  line one\n  line two\n\n", buf.String())
}

func TestNew_PlainForBuffers(t *testing.T) {
	// Given: output that is not a terminal
	buf := &bytes.Buffer{}

	// When: writing through the auto-detecting constructor
	New(buf).Success("done")

	// Then: no escape codes are emitted
	assert.NotContains(t, buf.String(), "\x1b[")
	assert.Equal(t, "✓ done\n", buf.String())
}
