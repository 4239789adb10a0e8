package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSessionName(t *testing.T) {
	t.Parallel()

	valid := []string{"mouse42", "sess-2026-03-01", "run_7.final"}
	for _, name := range valid {
		assert.NoError(t, ValidateSessionName(name), name)
	}

	invalid := []string{
		"",
		".",
		"..",
		"../escape",
		"a/b",
		`a\b`,
		"/abs",
		"trailing/",
	}
	for _, name := range invalid {
		assert.Error(t, ValidateSessionName(name), "%q should be rejected", name)
	}
}

func TestValidatePathWithinDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	assert.NoError(t, ValidatePathWithinDirectory(filepath.Join(dir, "sess", "file.h5"), dir))
	assert.NoError(t, ValidatePathWithinDirectory(dir, dir))

	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(dir, ".."), dir))
	assert.Error(t, ValidatePathWithinDirectory(filepath.Join(dir, "..", "other"), dir))
	assert.Error(t, ValidatePathWithinDirectory("/etc/passwd", dir))
}
