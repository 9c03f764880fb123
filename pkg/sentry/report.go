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
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext logs the error and forwards it to Sentry with the
// context entries as tags (scalars) or extra data (everything else).
// Fatal issues flush Sentry and panic afterwards.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		log.Errorf("Fatal error, terminating: %s", err)
		log.Errorf("Stack trace: %s", string(debug.Stack()))
		sendSentryEvent(createSentryEvent(sentry.LevelFatal, err, context))
		Flush(5 * time.Second)
		log.Panic("Fatal error")
	case IssueTypeError:
		log.Error(err)

		if !debounced(sentry.LevelError, err) {
			sendSentryEvent(createSentryEvent(sentry.LevelError, err, context))
		}
	case IssueTypeWarning:
		log.Warn(err)

		if !debounced(sentry.LevelWarning, err) {
			sendSentryEvent(createSentryEvent(sentry.LevelWarning, err, context))
		}
	}
}

// ReportRemediationError reports an error raised while processing one
// remediation, tagged with its request id, control loop and the failing step.
func ReportRemediationError(log *zap.SugaredLogger, requestID, closedLoop, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, map[string]interface{}{
		"request_id":  requestID,
		"closed_loop": closedLoop,
		"operation":   operation,
	})
}

// ReportRemediationErrorf formats and reports a remediation error.
func ReportRemediationErrorf(log *zap.SugaredLogger, requestID, closedLoop, operation string, template string, args ...interface{}) {
	ReportRemediationError(log, requestID, closedLoop, operation, fmt.Errorf(template, args...))
}
