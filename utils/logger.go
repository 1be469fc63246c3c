package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	userLogger     *log.Logger
	internalLogger *zap.SugaredLogger
)

func init() {
	userLogger = log.New(os.Stdout, "", 0)
	initInternal(os.Getenv("WIREBIRD_DEBUG") != "")
}

func initInternal(debug bool) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	l, err := cfg.Build()
	if err != nil {
		log.Printf("failed to initialize zap logger: %v, falling back to standard logger", err)
		internalLogger = nil
		return
	}
	internalLogger = l.Sugar()
}

// SetDebug toggles debug-level internal logging at runtime.
func SetDebug(debug bool) {
	initInternal(debug)
}

// User writes plain output intended for the CLI user, not the operator log.
func User(format string, v ...any) {
	if userLogger != nil {
		userLogger.Printf(format, v...)
	}
}

func Info(format string, v ...any) {
	if internalLogger != nil {
		internalLogger.Infof(format, v...)
	}
}

func Warn(format string, v ...any) {
	if internalLogger != nil {
		internalLogger.Warnf(format, v...)
	}
}

func Error(format string, v ...any) {
	if internalLogger != nil {
		internalLogger.Errorf(format, v...)
	}
}

func Debug(format string, v ...any) {
	if internalLogger != nil {
		internalLogger.Debugf(format, v...)
	}
}

// Errorf logs the error message and returns it as an error value.
func Errorf(format string, v ...any) error {
	err := fmt.Errorf(format, v...)
	if internalLogger != nil {
		internalLogger.Errorf("%s", err)
	}
	return err
}

// SetUserOutput redirects user-facing output, mainly for test capture.
func SetUserOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	userLogger = log.New(w, "", 0)
}

// SetInternalOutput redirects the internal logger, mainly for test capture.
func SetInternalOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	internalLogger = zap.New(core).Sugar()
}

// LoggerWriter adapts a printf-style log function to io.Writer, line by line.
type LoggerWriter struct {
	Fn     func(string, ...any)
	Prefix string
}

func (w *LoggerWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if w.Prefix != "" {
			w.Fn("%s%s", w.Prefix, line)
		} else {
			w.Fn("%s", line)
		}
	}
	return len(p), nil
}
