// Package verdict turns raw analyzer responses into canonical evaluation
// records. Everything here is pure: same inputs, same outputs.
package verdict

import (
	"math"
	"strconv"
	"strings"
)

type Status string

const (
	StatusOK      Status = "OK"
	StatusNOK     Status = "NOK"
	StatusUnknown Status = "UNKNOWN"
	StatusError   Status = "ERROR"
)

const (
	// SourceContextResult resolves the verdict from the response's
	// "result" key, falling back to the caller-supplied string.
	SourceContextResult = "context_result"
	// SourceResultField ignores the "result" key and uses only the
	// fallback string.
	SourceResultField = "result_field"
)

type Evaluation struct {
	Status         Status
	ResultBool     *bool
	OkNok          string // "OK", "NOK", or "" when unresolved
	CompleteTimeS  *float64
	CompleteTimeMS int64
	DetectedCount  int
}

// Normalize derives the canonical evaluation from a raw response map. A nil
// context means the response was not a structured map at all and yields
// StatusError. completeTime in the response (seconds) wins over the measured
// latency; detectedRectangles drives the detection count.
func Normalize(context map[string]any, fallbackOkNok string, latencyMS int64, source string) Evaluation {
	if context == nil {
		return Evaluation{Status: StatusError, DetectedCount: 0}
	}

	var resultBool *bool
	if source != SourceResultField {
		resultBool = boolLike(context["result"])
	}

	var status Status
	var okNok string
	switch {
	case resultBool != nil && *resultBool:
		status, okNok = StatusOK, "OK"
	case resultBool != nil:
		status, okNok = StatusNOK, "NOK"
	default:
		okNok = NormalizeOkNok(fallbackOkNok)
		switch okNok {
		case "OK":
			status = StatusOK
		case "NOK":
			status = StatusNOK
		default:
			status = StatusUnknown
		}
	}

	completeTimeS := completeTimeSeconds(context["completeTime"])
	completeTimeMS := latencyMS
	if completeTimeS != nil {
		completeTimeMS = int64(math.Round(*completeTimeS * 1000.0))
	}

	detectedCount := 0
	if rects, ok := context["detectedRectangles"].([]any); ok {
		detectedCount = len(rects)
	}

	return Evaluation{
		Status:         status,
		ResultBool:     resultBool,
		OkNok:          okNok,
		CompleteTimeS:  completeTimeS,
		CompleteTimeMS: completeTimeMS,
		DetectedCount:  detectedCount,
	}
}

// ExtractFallback walks a dotted field path into the response map and
// returns the verdict string found there, or "" when the path does not
// resolve. Booleans map to "OK"/"NOK".
func ExtractFallback(context map[string]any, field string) string {
	if field == "" || context == nil {
		return ""
	}

	var value any = context
	for _, part := range strings.Split(field, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return ""
		}
		value, ok = m[part]
		if !ok {
			return ""
		}
	}

	switch v := value.(type) {
	case bool:
		if v {
			return "OK"
		}
		return "NOK"
	case string:
		return v
	default:
		return ""
	}
}

// NormalizeOkNok maps the accepted verdict spellings onto "OK"/"NOK";
// anything else yields "".
func NormalizeOkNok(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "ok", "true", "1":
		return "OK"
	case "nok", "ng", "false", "0":
		return "NOK"
	default:
		return ""
	}
}

func boolLike(value any) *bool {
	switch v := value.(type) {
	case bool:
		return &v
	case float64:
		if v == 1 {
			return ptr(true)
		}
		if v == 0 {
			return ptr(false)
		}
	case int:
		if v == 1 {
			return ptr(true)
		}
		if v == 0 {
			return ptr(false)
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "ok", "true", "1":
			return ptr(true)
		case "nok", "ng", "false", "0":
			return ptr(false)
		}
	}
	return nil
}

func completeTimeSeconds(value any) *float64 {
	switch v := value.(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}

func ptr(b bool) *bool { return &b }
