/*
 * Copyright (c) 2023, Driftgate Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"encoding/json"
	"fmt"
	"io"
	go_log "log"
	"os"
	"time"

	rotate "github.com/Psiphon-Inc/rotate-safe-writer"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/errors"
	"github.com/driftgate/driftgate-proxy-core/driftgate/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// ContextLogger adds trace context to the underlying logging package.
type ContextLogger struct {
	*logrus.Logger
}

// LogFields is an alias for the log field map type, compatible with
// logrus.Fields.
type LogFields = common.LogFields

var _ common.Logger = (*ContextLogger)(nil)

// WithTrace adds a "trace" field containing the caller's function name and
// source file line number. Use this function when the log has no fields.
func (logger *ContextLogger) WithTrace() common.LogTrace {
	return logger.Logger.WithFields(
		logrus.Fields{
			"trace": stacktrace.GetParentFunctionName(),
		})
}

// WithTraceFields adds a "trace" field containing the caller's function
// name and source file line number. Use this function when the log has
// fields. Note that any existing "trace" field will be renamed to
// "fields.trace".
func (logger *ContextLogger) WithTraceFields(fields LogFields) common.LogTrace {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return logger.Logger.WithFields(logrus.Fields(fields))
}

// LogMetric directly logs the supplied fields, adding only a "metric"
// field with the metric name and a "timestamp". The stock "msg" and
// "level" fields are omitted, as metric records have neither a natural
// message nor severity; omitting them simplifies shipping these records to
// metric consumers.
func (logger *ContextLogger) LogMetric(metric string, fields LogFields) {
	_, ok := fields["metric"]
	if ok {
		fields["fields.metric"] = fields["metric"]
	}
	fields["metric"] = metric
	logger.Logger.WithFields(logrus.Fields(fields)).Error(
		customJSONFormatterLogMetric)
}

// CustomJSONFormatter is a customized version of logrus.JSONFormatter.
type CustomJSONFormatter struct {
}

const customJSONFormatterLogMetric = "CustomJSONFormatter.LogMetric"

// Format implements logrus.Formatter. This is a customized version of the
// standard logrus.JSONFormatter.
//
// The changes are:
// - "time" is renamed to "timestamp"
// - there's an option to omit the standard "msg" and "level" fields
func (f *CustomJSONFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+3)
	for k, v := range entry.Data {
		switch v := v.(type) {
		case error:
			// Otherwise errors are ignored by `encoding/json`.
			data[k] = v.Error()
		default:
			data[k] = v
		}
	}

	if t, ok := data["timestamp"]; ok {
		data["fields.timestamp"] = t
	}

	data["timestamp"] = entry.Time.Format(time.RFC3339)

	if entry.Message != customJSONFormatterLogMetric {

		if m, ok := data["msg"]; ok {
			data["fields.msg"] = m
		}

		if l, ok := data["level"]; ok {
			data["fields.level"] = l
		}

		data["msg"] = entry.Message
		data["level"] = entry.Level.String()
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields to JSON: %v", err)
	}

	return append(serialized, '\n'), nil
}

var log *ContextLogger

// InitLogging configures the package logger according to the specified
// config params. If not called, the default logger set by the package
// init() is used.
//
// When a log filename is configured, the file is opened through a
// rotation-safe writer, which reopens the file when an external rotation
// replaces it.
//
// Concurrency note: should only be called from the main goroutine, before
// the server runs.
func InitLogging(config *Config) error {

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		return errors.Trace(err)
	}

	var logWriter io.Writer = os.Stderr

	if config.LogFilename != "" {
		logWriter, err = rotate.NewRotatableFileWriter(
			config.LogFilename, 2, true, 0666)
		if err != nil {
			return errors.Trace(err)
		}
	}

	log = &ContextLogger{
		&logrus.Logger{
			Out:       logWriter,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     level,
		},
	}

	return nil
}

func init() {

	// Suppress standard "log" package logging performed by other packages.
	// For example, "net/http" logs messages such as:
	// "http: TLS handshake error from <client-ip-addr>:<port>: [...]: i/o timeout"
	go_log.SetOutput(io.Discard)

	log = &ContextLogger{
		&logrus.Logger{
			Out:       os.Stderr,
			Formatter: &CustomJSONFormatter{},
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.DebugLevel,
		},
	}
}
