/*
Copyright 2025 The tsio Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logrusutil implements some helpers for using logrus
package logrusutil

import (
	"bytes"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/tsio/tsio/pkg/secretutil"
	"github.com/tsio/tsio/pkg/version"
)

// DefaultFieldsFormatter wraps another logrus.Formatter, injecting
// DefaultFields into each Format() call, existing fields are preserved
// if they have the same key
type DefaultFieldsFormatter struct {
	WrappedFormatter logrus.Formatter
	DefaultFields    logrus.Fields
	PrintLineNumber  bool
}

// Init set Logrus formatter
// if DefaultFieldsFormatter is skipped set to a default Formatter
func Init(formatter *DefaultFieldsFormatter) {
	if formatter == nil {
		formatter = CreateDefaultFieldsFormatter(nil, nil)
	}
	logrus.SetFormatter(formatter)
	logrus.SetReportCaller(formatter.PrintLineNumber)
}

// ComponentInit is a syntax sugar for easier Init
func ComponentInit() {
	Init(
		&DefaultFieldsFormatter{
			PrintLineNumber: true,
			DefaultFields:   logrus.Fields{"component": version.Name},
		},
	)
}

// CreateDefaultFieldsFormatter returns a DefaultFieldsFormatter,
// if wrappedFormatter is nil &logrus.JSONFormatter{} will be used instead
func CreateDefaultFieldsFormatter(
	wrappedFormatter logrus.Formatter, defaultFields logrus.Fields,
) *DefaultFieldsFormatter {
	res := &DefaultFieldsFormatter{
		WrappedFormatter: wrappedFormatter,
		DefaultFields:    defaultFields,
	}
	if res.WrappedFormatter == nil {
		res.WrappedFormatter = &logrus.JSONFormatter{}
	}
	return res
}

// Format implements logrus.Formatter's Format. We allocate a new Fields
// map in order to not modify the caller's Entry, as that is not a thread
// safe operation.
func (d *DefaultFieldsFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+len(d.DefaultFields))
	for k, v := range d.DefaultFields {
		data[k] = v
	}
	for k, v := range entry.Data {
		data[k] = v
	}
	return d.WrappedFormatter.Format(&logrus.Entry{
		Logger:  entry.Logger,
		Data:    data,
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
		Caller:  entry.Caller,
	})
}

// CensoringFormatter represents a logrus formatter that
// can be used to censor sensitive information
type CensoringFormatter struct {
	delegate   logrus.Formatter
	getSecrets func() sets.String

	// logger is used when censoring finds malformed secrets. The standard
	// logger cannot be used here: its formatter may be this formatter, and
	// logging through it from inside Format deadlocks.
	logger *logrus.Logger
}

// NewCensoringFormatter generates a CensoringFormatter with a formatter as
// delegate and a set of secrets to censor
func NewCensoringFormatter(f logrus.Formatter, getSecrets func() sets.String) CensoringFormatter {
	return CensoringFormatter{
		delegate:   f,
		getSecrets: getSecrets,
		logger:     logrus.New(),
	}
}

func (f CensoringFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	raw, err := f.delegate.Format(entry)
	if err != nil {
		return raw, err
	}
	return f.censor(raw), nil
}

// censor replaces sensitive parts of the content with asterisks of the
// same length so the shape of the log line is preserved.
func (f CensoringFormatter) censor(content []byte) []byte {
	for _, secret := range f.getSecrets().List() {
		trimmedSecret := strings.TrimSpace(secret)
		if trimmedSecret != secret {
			f.logger.Warning("Secret has leading or trailing whitespace, censoring its trimmed version")
			secret = trimmedSecret
		}
		if secret == "" {
			continue
		}
		content = bytes.ReplaceAll(content, []byte(secret), []byte(strings.Repeat("*", len(secret))))
	}
	return content
}

// FormatterWithCensor censors the output of a delegate formatter with a
// secretutil.Censorer, picking up secret rotations without reinstalling
// the formatter.
type FormatterWithCensor struct {
	delegate logrus.Formatter
	censorer secretutil.Censorer
}

// NewFormatterWithCensor returns a formatter that censors the delegate's
// output using censorer.
func NewFormatterWithCensor(delegate logrus.Formatter, censorer secretutil.Censorer) *FormatterWithCensor {
	return &FormatterWithCensor{
		delegate: delegate,
		censorer: censorer,
	}
}

func (f *FormatterWithCensor) Format(entry *logrus.Entry) ([]byte, error) {
	raw, err := f.delegate.Format(entry)
	if err != nil {
		return nil, err
	}
	f.censorer.Censor(&raw)
	return raw, nil
}

// Rare updates and concurrent readers, so reuse the same lock
var throttleLock sync.RWMutex

// ThrottledWarnf prints a warning the first time called and at most once
// per period thereafter.
func ThrottledWarnf(last *time.Time, period time.Duration, format string, args ...interface{}) {
	if throttleCheck(last, period) {
		logrus.Warnf(format, args...)
	}
}

// throttleCheck returns true when first called or if at least period has
// elapsed since the last true.
func throttleCheck(last *time.Time, period time.Duration) bool {
	throttleLock.RLock()
	fresh := time.Since(*last) <= period
	throttleLock.RUnlock()
	if fresh {
		return false
	}
	// Stale, but recheck under the write lock in case we lost the race.
	throttleLock.Lock()
	defer throttleLock.Unlock()
	now := time.Now()
	if now.Sub(*last) <= period {
		return false
	}
	*last = now
	return true
}
