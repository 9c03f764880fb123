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

package sentry

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/getsentry/sentry-go"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
)

const (
	// DefaultAppVersion is the version reported by builds without ldflags.
	DefaultAppVersion = "0.0.0-dev"

	environmentDevelopment = "development"
	environmentProduction  = "production"

	// debounceWindow is how long an identical error title is suppressed after
	// it was sent once.
	debounceWindow = 2 * time.Hour
)

var (
	enabled              bool
	shouldDebounceErrors = true
	recentlySent         = expiremap.NewEx[string, time.Time](10*time.Minute, debounceWindow)
)

// EnableTestMode disables debouncing for testing.
func EnableTestMode() {
	shouldDebounceErrors = false
}

// DisableTestMode restores normal debouncing behavior.
func DisableTestMode() {
	shouldDebounceErrors = true
}

// InitSentry initializes sentry for the given release. Reporting stays
// disabled for development builds and when no DSN is configured.
func InitSentry(dsn string, appVersion string, debounceErrors bool) {
	shouldDebounceErrors = debounceErrors

	if dsn == "" || appVersion == "" || appVersion == DefaultAppVersion {
		zap.S().Debug("Sentry disabled for local development build")

		return
	}

	environment := environmentDevelopment

	version, err := semver.NewVersion(appVersion)
	if err != nil {
		zap.S().Errorf("Failed to parse app version, using default environment (development): %s", err)
	} else if version.Prerelease() == "" {
		environment = environmentProduction
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:           dsn,
		Environment:   environment,
		Release:       "remediation-core@" + appVersion,
		EnableTracing: false,
	})
	if err != nil {
		zap.S().Errorf("Failed to initialize Sentry: %s", err)

		return
	}

	enabled = true
}

// Flush waits until buffered events are sent or the timeout elapses.
func Flush(timeout time.Duration) {
	if enabled {
		sentry.Flush(timeout)
	}
}

// errorTitle returns the first phrase of the error message, up to 100 chars.
func errorTitle(err error) string {
	message := err.Error()

	if idx := strings.IndexAny(message, ".,:"); idx > 0 {
		message = message[:idx]
	}

	if len(message) > 100 {
		message = message[:97] + "..."
	}

	return message
}

// debounced reports whether an event with this title was sent recently and
// otherwise records it as sent now.
func debounced(level sentry.Level, err error) bool {
	if !shouldDebounceErrors {
		return false
	}

	key := string(level) + ":" + errorTitle(err)
	if _, ok := recentlySent.Load(key); ok {
		return true
	}

	recentlySent.Set(key, time.Now())

	return false
}

func createSentryEvent(level sentry.Level, err error, context map[string]interface{}) *sentry.Event {
	event := sentry.NewEvent()
	event.Level = level
	event.Message = err.Error()
	event.Exception = []sentry.Exception{{
		Type:       errorTitle(err),
		Value:      err.Error(),
		Stacktrace: sentry.ExtractStacktrace(err),
	}}
	event.Fingerprint = []string{"{{ default }}", "level: " + string(level)}

	for key, value := range context {
		switch v := value.(type) {
		case string:
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}

			event.Tags[key] = v
		case int, int64, uint64, float64, bool:
			if event.Tags == nil {
				event.Tags = make(map[string]string)
			}

			event.Tags[key] = fmt.Sprintf("%v", v)
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]interface{})
			}

			event.Extra[key] = v
		}

		if key == "operation" || key == "closed_loop" {
			event.Fingerprint = append(event.Fingerprint, fmt.Sprintf("%s: %v", key, value))
		}
	}

	return event
}

func sendSentryEvent(event *sentry.Event) {
	if !enabled {
		return
	}

	sentry.CurrentHub().Clone().CaptureEvent(event)
}
