package main

import (
	"io"
	"os"
	"vmcore/kernel/kfmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// newLogger returns a logger that writes text records to w at the given
// level.
func newLogger(w io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:    w != os.Stderr,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	})

	return logger, nil
}

// attachKernelConsole routes the kernel console to logger. Every line that
// the kernel prints becomes a debug record; output buffered before the
// console was attached is flushed first. The returned function detaches
// the console.
func attachKernelConsole(logger *logrus.Logger) func() {
	w := logger.WriterLevel(logrus.DebugLevel)
	console := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("kernel: ")}
	kfmt.SetOutputSink(console)

	return func() {
		kfmt.SetOutputSink(nil)
		_ = console.Flush()
		_ = w.Close()
	}
}
