// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger builds the *slog.Logger instances injected into bankguard components.
//
// There is no package-level logger: the CLI builds one logger at startup with [New]
// and passes it (or a [Component] child) to every constructor.
package logger

import (
	"io"
	"log/slog"
	"strconv"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// Options controls logger construction.
type Options struct {
	// Debug enables debug level output.
	Debug bool

	// Output overrides the destination, mostly for tests. Defaults to stderr.
	Output io.Writer
}

// New creates the process logger. If the UNSTRUCTURED_LOGS env var is unset or true
// it outputs plain text, otherwise structured JSON.
func New(opts Options, envReader env.Reader) *slog.Logger {
	if envReader == nil {
		envReader = &env.OSReader{}
	}

	var logOpts []logging.Option
	if unstructuredLogsWithEnv(envReader) {
		logOpts = append(logOpts, logging.WithFormat(logging.FormatText))
	}
	if opts.Debug {
		logOpts = append(logOpts, logging.WithLevel(slog.LevelDebug))
	}
	if opts.Output != nil {
		logOpts = append(logOpts, logging.WithOutput(opts.Output))
	}

	return logging.New(logOpts...)
}

// Component returns a child logger tagged with the component name.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func unstructuredLogsWithEnv(envReader env.Reader) bool {
	unstructuredLogs, err := strconv.ParseBool(envReader.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		// unset or unparseable: default to plain text
		return true
	}
	return unstructuredLogs
}
