// File: internal/logging/logger.go
// Brief: Structured logger construction.

package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	crzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// New returns a zap-backed logger at the given level writing to out
// (stderr when nil). Debug enables development encoding and V(1) output.
func New(level string, out io.Writer) (logr.Logger, error) {
	opts := crzap.Options{}
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return logr.Logger{}, err
	}
	if zapLevel == zapcore.DebugLevel {
		opts.Development = true
	}
	if out == nil {
		out = os.Stderr
	}
	opts.DestWriter = out
	atomic := zap.NewAtomicLevelAt(zapLevel)
	opts.Level = &atomic
	return crzap.New(crzap.UseFlagOptions(&opts)), nil
}

// ParseLevel maps debug, info, warn and error to zap levels.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
}
