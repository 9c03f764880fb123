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

package logger

import (
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// PrettyConsoleEncoder renders entries as
//
//	2006-01-02 15:04:05.000 UTC [INFO]	[caller:12]	[Component]	message - key=value, key=value
//
// Context added through With() is collected in the embedded map encoder and
// rendered after the per-entry fields.
type PrettyConsoleEncoder struct {
	*zapcore.MapObjectEncoder

	cfg  zapcore.EncoderConfig
	pool buffer.Pool
}

// NewPrettyConsoleEncoder creates a new PrettyConsoleEncoder instance.
func NewPrettyConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &PrettyConsoleEncoder{
		MapObjectEncoder: zapcore.NewMapObjectEncoder(),
		cfg:              cfg,
		pool:             buffer.NewPool(),
	}
}

// Clone implements zapcore.Encoder.
func (e *PrettyConsoleEncoder) Clone() zapcore.Encoder {
	clone := zapcore.NewMapObjectEncoder()
	for k, v := range e.Fields {
		clone.Fields[k] = v
	}

	return &PrettyConsoleEncoder{
		MapObjectEncoder: clone,
		cfg:              e.cfg,
		pool:             e.pool,
	}
}

// EncodeEntry implements zapcore.Encoder.
func (e *PrettyConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := e.pool.Get()

	if !entry.Time.IsZero() {
		line.AppendString(entry.Time.Format("2006-01-02 15:04:05.000 MST"))
		line.AppendByte(' ')
	}

	line.AppendByte('[')
	line.AppendString(entry.Level.CapitalString())
	line.AppendString("]\t")

	if entry.Caller.Defined {
		line.AppendByte('[')
		line.AppendString(entry.Caller.TrimmedPath())
		line.AppendString("]\t")
	}

	if entry.LoggerName != "" {
		line.AppendByte('[')
		line.AppendString(entry.LoggerName)
		line.AppendString("]\t")
	}

	line.AppendString(entry.Message)

	if len(fields) > 0 || len(e.Fields) > 0 {
		line.AppendString(" - ")
		appendFields(line, fields, e.Fields)
	}

	if entry.Stack != "" && e.cfg.StacktraceKey != "" {
		line.AppendByte('\n')
		line.AppendString(entry.Stack)
	}

	line.AppendString(e.cfg.LineEnding)

	return line, nil
}

func appendFields(line *buffer.Buffer, fields []zapcore.Field, context map[string]interface{}) {
	enc := zapcore.NewMapObjectEncoder()
	written := 0

	for _, field := range fields {
		field.AddTo(enc)
		appendField(line, field.Key, enc.Fields[field.Key], written)
		written++
	}

	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		appendField(line, k, context[k], written)
		written++
	}
}

func appendField(line *buffer.Buffer, key string, value interface{}, index int) {
	if index > 0 {
		line.AppendString(", ")
	}

	line.AppendString(key)
	line.AppendByte('=')

	if s, ok := value.(string); ok {
		line.AppendString(strconv.Quote(s))

		return
	}

	line.AppendString(fmt.Sprintf("%v", value))
}
