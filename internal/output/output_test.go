package output

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	scouterrors "github.com/imgscout/imgscout/internal/errors"
)

func TestNew_NoColorForBuffers(t *testing.T) {
	// Given: a writer over a buffer
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing an error
	w.Error("crawl failed")

	// Then: no escape sequences are written
	assert.Equal(t, "✗ crawl failed\n", buf.String())
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestWriter_StatusLines(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	w.Success("indexed")
	w.Warningf("%d files skipped", 3)
	w.Status("", "indented")

	assert.Equal(t, "✓ indexed\n! 3 files skipped\n   indented\n", buf.String())
}

func TestWriter_Err_IncludesHintAndCode(t *testing.T) {
	// Given: a structured error with a suggestion
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)
	err := scouterrors.ConfigError("no crawl roots configured", nil).
		WithSuggestion("Pass --root")

	// When: printing it
	w.Err(err)

	// Then: message, hint and code are all shown
	out := buf.String()
	assert.Contains(t, out, "no crawl roots configured")
	assert.Contains(t, out, "Hint: Pass --root")
	assert.Contains(t, out, scouterrors.ErrCodeConfigInvalid)
}

func TestWriter_Err_PlainError(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	w.Err(errors.New("boom"))
	w.Err(nil)

	assert.Equal(t, "Error: boom\n", buf.String())
}

func TestWriter_Field(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	w.Field("records", 42)

	assert.Equal(t, "  records:     42\n", buf.String())
}

func TestIsTerminal_NonFile(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
