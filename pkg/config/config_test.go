// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/remediation-core/pkg/config"
	"github.com/united-manufacturing-hub/remediation-core/pkg/policy"
)

const policiesYAML = `
- id: ControlLoop-vFirewall
  timeout: 300
  trigger: restart
  operations:
    - id: restart
      actor: APPC
      operation: Restart
      target:
        targetType: VM
      retries: 2
      success: final_success
`

var _ = Describe("Config", func() {
	Describe("Parse", func() {
		It("should keep the defaults for omitted fields", func() {
			cfg, err := config.Parse([]byte("metricsAddr: \":9090\"\nhistory:\n  backend: sqlite\n  dsn: /tmp/history.db\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.MetricsAddr).To(Equal(":9090"))
			Expect(cfg.History.Backend).To(Equal(config.HistorySQLite))
			Expect(cfg.Control.TickerTime).To(Equal(100 * time.Millisecond))
			Expect(cfg.Control.Workers).To(Equal(int64(64)))
		})

		It("should reject malformed YAML", func() {
			_, err := config.Parse([]byte("control: [not a map"))
			Expect(errors.Is(err, config.ErrInvalidConfig)).To(BeTrue())
		})
	})

	Describe("Load", func() {
		var dir string

		BeforeEach(func() {
			dir = GinkgoT().TempDir()
		})

		It("should return the defaults when the file is missing", func() {
			cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg).To(Equal(config.Default()))
		})

		It("should load policy files relative to the config", func() {
			Expect(os.WriteFile(filepath.Join(dir, "policies.yaml"), []byte(policiesYAML), 0o600)).To(Succeed())
			Expect(os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("policyFiles:\n  - policies.yaml\n"), 0o600)).To(Succeed())

			cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.Policies).To(HaveLen(1))
			Expect(cfg.Policies[0].Operations[0].Retries).To(Equal(2))

			store, err := cfg.PolicyStore()
			Expect(err).NotTo(HaveOccurred())

			_, ok := store.Get("ControlLoop-vFirewall")
			Expect(ok).To(BeTrue())
		})

		It("should apply environment overrides", func() {
			GinkgoT().Setenv("METRICS_ADDR", ":7070")
			GinkgoT().Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
			GinkgoT().Setenv("HISTORY_BACKEND", "none")

			cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.MetricsAddr).To(Equal(":7070"))
			Expect(cfg.Kafka.Brokers).To(Equal([]string{"k1:9092", "k2:9092"}))
			Expect(cfg.Kafka.Enabled()).To(BeTrue())
			Expect(cfg.History.Backend).To(Equal(config.HistoryNone))
		})

		It("should fail on a missing policy file", func() {
			Expect(os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("policyFiles:\n  - nope.yaml\n"), 0o600)).To(Succeed())

			_, err := config.Load(filepath.Join(dir, "config.yaml"))
			Expect(err).To(MatchError(ContainSubstring("read policies")))
		})
	})

	Describe("Validate", func() {
		It("should reject an unknown history backend", func() {
			cfg := config.Default()
			cfg.History.Backend = "mongo"
			Expect(errors.Is(cfg.Validate(), config.ErrInvalidConfig)).To(BeTrue())
		})

		It("should require a DSN for sqlite", func() {
			cfg := config.Default()
			cfg.History.Backend = config.HistorySQLite
			Expect(cfg.Validate()).To(HaveOccurred())

			cfg.History.DSN = ":memory:"
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should reject duplicate control loops", func() {
			loops, err := loadInline(policiesYAML)
			Expect(err).NotTo(HaveOccurred())

			cfg := config.Default()
			cfg.Policies = append(loops, loops...)
			Expect(cfg.Validate()).To(MatchError(ContainSubstring("duplicate control loop")))
		})

		It("should reject invalid policies", func() {
			loops, err := loadInline(policiesYAML)
			Expect(err).NotTo(HaveOccurred())

			loops[0].Timeout = 0

			cfg := config.Default()
			cfg.Policies = loops
			Expect(errors.Is(cfg.Validate(), config.ErrInvalidConfig)).To(BeTrue())
		})
	})

	Describe("environment helpers", func() {
		It("should parse booleans", func() {
			GinkgoT().Setenv("REMEDIATION_FLAG", "yes")
			v, err := config.GetAsBool("REMEDIATION_FLAG", false, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeTrue())

			GinkgoT().Setenv("REMEDIATION_FLAG", "maybe")
			_, err = config.GetAsBool("REMEDIATION_FLAG", false, false)
			Expect(err).To(HaveOccurred())
		})

		It("should enforce required variables", func() {
			_, err := config.GetAsString("REMEDIATION_UNSET_VARIABLE", true, "")
			Expect(err).To(MatchError(ContainSubstring("REMEDIATION_UNSET_VARIABLE")))

			v, err := config.GetAsString("REMEDIATION_UNSET_VARIABLE", false, "fallback")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("fallback"))
		})
	})
})

func loadInline(data string) ([]policy.ControlLoop, error) {
	path := filepath.Join(GinkgoT().TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return nil, err
	}

	return config.LoadPolicies(path)
}
