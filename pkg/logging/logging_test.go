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

package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/7Ji/aimager/pkg/constants"
	"github.com/7Ji/aimager/pkg/logging"
)

func TestLogging(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "logging suite")
}

var _ = Describe("New", func() {
	var prevLevel string
	var hadLevel bool

	BeforeEach(func() {
		prevLevel, hadLevel = os.LookupEnv(constants.EnvLogLevel)
		os.Unsetenv(constants.EnvLogLevel)
	})

	AfterEach(func() {
		if hadLevel {
			os.Setenv(constants.EnvLogLevel, prevLevel)
		} else {
			os.Unsetenv(constants.EnvLogLevel)
		}
	})

	It("defaults to the constants package's default log level", func() {
		l := logging.New("aimager")
		want, err := logrus.ParseLevel(constants.DefaultLogLevel)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.GetLevel()).To(Equal(want))
	})

	It("honors AIMAGER_LOG_LEVEL", func() {
		os.Setenv(constants.EnvLogLevel, "debug")
		l := logging.New("aimager")
		Expect(l.GetLevel()).To(Equal(logrus.DebugLevel))
	})

	It("falls back to the default level on a garbage value", func() {
		os.Setenv(constants.EnvLogLevel, "not-a-level")
		l := logging.New("aimager")
		want, _ := logrus.ParseLevel(constants.DefaultLogLevel)
		Expect(l.GetLevel()).To(Equal(want))
	})
})

var _ = Describe("NewWithOutput", func() {
	It("renders the [script:LEVEL] function@line: message record shape", func() {
		var buf bytes.Buffer
		l := logging.NewWithOutput("aimager", &buf)
		l.SetLevel(logrus.InfoLevel)
		l.Info("hello there")

		line := buf.String()
		Expect(line).To(ContainSubstring("[aimager:INFO]"))
		Expect(line).To(ContainSubstring("hello there"))
	})
})

var _ = Describe("DumpDebug", func() {
	It("writes nothing when debug level is disabled", func() {
		var buf bytes.Buffer
		l := logging.NewWithOutput("aimager", &buf)
		l.SetLevel(logrus.InfoLevel)
		logging.DumpDebug(l, "context", map[string]int{"a": 1})
		Expect(buf.String()).To(BeEmpty())
	})

	It("dumps the value when debug level is enabled", func() {
		var buf bytes.Buffer
		l := logging.NewWithOutput("aimager", &buf)
		l.SetLevel(logrus.DebugLevel)
		logging.DumpDebug(l, "context", map[string]int{"a": 1})
		Expect(buf.String()).NotTo(BeEmpty())
		Expect(buf.String()).To(ContainSubstring("context"))
	})
})

var _ = Describe("ProgramName", func() {
	It("returns the base name of os.Args[0]", func() {
		Expect(logging.ProgramName()).To(Equal(filepath.Base(os.Args[0])))
	})
})
