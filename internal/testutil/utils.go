package testutil

import (
	"io"
	"log"
	"os"
	"testing"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	if !testing.Verbose() {
		logger.SetOutput(io.Discard)
	}
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}
