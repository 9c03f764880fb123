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

package outcome

import (
	"strings"
	"time"
)

// Record is one operation entry as it appears in history and notifications.
type Record struct {
	Actor        string    `json:"actor"`
	Operation    string    `json:"operation"`
	Target       string    `json:"target"`
	SubRequestID string    `json:"subRequestId,omitempty"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end,omitempty"`
	Outcome      string    `json:"outcome"`
	Message      string    `json:"message"`
}

// ToMessage renders the identifying part of the record:
// actor=X,operation=Y,target=Z,subRequestId=W
func (r Record) ToMessage() string {
	var sb strings.Builder

	sb.WriteString("actor=")
	sb.WriteString(r.Actor)
	sb.WriteString(",operation=")
	sb.WriteString(r.Operation)
	sb.WriteString(",target=")
	sb.WriteString(r.Target)
	sb.WriteString(",subRequestId=")
	sb.WriteString(r.SubRequestID)

	return sb.String()
}

// ToHistory renders the full record for operator-facing messages.
func (r Record) ToHistory() string {
	var sb strings.Builder

	sb.WriteString("actor=")
	sb.WriteString(r.Actor)
	sb.WriteString(",operation=")
	sb.WriteString(r.Operation)
	sb.WriteString(",target=")
	sb.WriteString(r.Target)
	sb.WriteString(",start=")
	sb.WriteString(formatTime(r.Start))
	sb.WriteString(",end=")
	sb.WriteString(formatTime(r.End))
	sb.WriteString(",subRequestId=")
	sb.WriteString(r.SubRequestID)
	sb.WriteString(",outcome=")
	sb.WriteString(r.Outcome)
	sb.WriteString(",message=")
	sb.WriteString(r.Message)

	return sb.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "null"
	}

	return t.UTC().Format(time.RFC3339Nano)
}
