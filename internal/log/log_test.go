package log_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tensorzero/tensorzero-sub029/internal/log"
)

func TestInitAcceptsValidLevel(t *testing.T) {
	require.NoError(t, log.Init(log.Config{Level: "debug", JSON: true}))
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	require.Error(t, log.Init(log.Config{Level: "not-a-level"}))
}

func TestLoggingWithNilContextDoesNotPanic(t *testing.T) {
	require.NoError(t, log.Init(log.Config{Level: "info"}))

	require.NotPanics(t, func() {
		log.Info(nil, "hello", log.String("k", "v"))
		log.Error(nil, "boom", log.Cause(errBoom))
	})
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }
