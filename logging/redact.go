package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// sensitiveKeys are field names whose string values are never written to
// the sinks verbatim.
var sensitiveKeys = map[string]bool{
	"api_key":        true,
	"apikey":         true,
	"openai_api_key": true,
	"token":          true,
	"authorization":  true,
}

const redactedValue = "[REDACTED]"

// redact replaces the values of sensitive fields before they reach any
// sink.
func redact(fields []zap.Field) []zap.Field {
	for i, f := range fields {
		if f.Type != zapcore.StringType {
			continue
		}
		if sensitiveKeys[strings.ToLower(f.Key)] {
			fields[i] = zap.String(f.Key, redactedValue)
		}
	}
	return fields
}

func consoleWriter() *stdoutSyncer {
	return &stdoutSyncer{}
}
