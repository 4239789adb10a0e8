package monitoring

import (
	"fmt"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLoggerCaptures(t *testing.T) {
	defer SetLogger(log.Printf)

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	Logf("frame %d dropped", 42)
	assert.Equal(t, []string{"frame 42 dropped"}, lines)
}

func TestSetLoggerNilMutes(t *testing.T) {
	defer SetLogger(log.Printf)

	called := false
	SetLogger(func(string, ...interface{}) { called = true })
	Logf("probe")
	assert.True(t, called)

	called = false
	SetLogger(nil)
	Logf("probe")
	assert.False(t, called)
}

func TestDefaultLoggerDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Logf("startup message: %s", "ok")
	})
}
