/*
Copyright © 2022 - 2024 SUSE LLC

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

// Package logging wires github.com/sirupsen/logrus into the
// types.Logger interface with a formatter matching aimager's
// "[script:LEVEL] function@line: message" single-line record format,
// and exposes a debug-only struct dump via github.com/sanity-io/litter.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sanity-io/litter"
	"github.com/sirupsen/logrus"

	"github.com/7Ji/aimager/pkg/constants"
)

// scriptFormatter renders "[aimager:LEVEL] function@line: message".
type scriptFormatter struct {
	script string
}

func (f *scriptFormatter) Format(e *logrus.Entry) ([]byte, error) {
	caller := "?"
	if e.Caller != nil {
		fn := e.Caller.Function
		if idx := strings.LastIndex(fn, "."); idx >= 0 {
			fn = fn[idx+1:]
		}
		caller = fmt.Sprintf("%s@%d", fn, e.Caller.Line)
	}
	level := strings.ToUpper(e.Level.String())
	line := fmt.Sprintf("[%s:%s] %s: %s\n", f.script, level, caller, e.Message)
	return []byte(line), nil
}

// New builds a logrus.Logger that writes to stderr using the
// levelFromEnv AIMAGER_LOG_LEVEL setting (default: info).
func New(script string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetReportCaller(true)
	l.SetFormatter(&scriptFormatter{script: script})
	l.SetLevel(levelFromEnv())
	return l
}

// NewWithOutput is New with an explicit writer, for tests.
func NewWithOutput(script string, w io.Writer) *logrus.Logger {
	l := New(script)
	l.SetOutput(w)
	return l
}

func levelFromEnv() logrus.Level {
	raw := os.Getenv(constants.EnvLogLevel)
	if raw == "" {
		raw = constants.DefaultLogLevel
	}
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		lvl, _ = logrus.ParseLevel(constants.DefaultLogLevel)
	}
	return lvl
}

// DumpDebug logs a litter.Sdump of v at debug level, labelled with
// label. It is the single most useful artifact when a cross-arch build
// misbehaves, dumped once per run right after configuration freezes.
func DumpDebug(logger *logrus.Logger, label string, v interface{}) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logger.Debugf("%s:\n%s", label, litter.Sdump(v))
}

// ProgramName returns the base name used as the "script" tag in every
// log line, mirroring the teacher's log-site convention.
func ProgramName() string {
	if len(os.Args) == 0 {
		return "aimager"
	}
	return filepath.Base(os.Args[0])
}
