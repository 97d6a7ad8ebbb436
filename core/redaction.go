package core

import "strings"

const RedactedValue = "[REDACTED]"

const maskRune = '*'

func RedactSensitiveMap(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return map[string]any{}
	}
	return redactSensitiveMap(metadata)
}

func redactSensitiveMap(source map[string]any) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = redactSensitiveValue(value)
	}
	return target
}

func redactSensitiveValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactSensitiveMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = redactSensitiveValue(typed[i])
		}
		return out
	default:
		return value
	}
}

// MaskPII returns a copy of payload safe to log. Secret-like keys are fully
// redacted and personal fields keep only their last four characters. Nested
// maps and slices are walked recursively; an entry under a personal key masks
// every string beneath it.
func MaskPII(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return map[string]any{}
	}
	return maskMap(payload, false)
}

func maskMap(source map[string]any, inherited bool) map[string]any {
	target := make(map[string]any, len(source))
	for key, value := range source {
		if shouldRedactKey(key) {
			target[key] = RedactedValue
			continue
		}
		target[key] = maskValue(value, inherited || isPIIKey(key))
	}
	return target
}

func maskValue(value any, personal bool) any {
	switch typed := value.(type) {
	case map[string]any:
		return maskMap(typed, personal)
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = maskValue(typed[i], personal)
		}
		return out
	case string:
		if personal {
			return MaskString(typed)
		}
		return typed
	default:
		return value
	}
}

// MaskString keeps the last four characters of value. Values of four
// characters or fewer are masked entirely.
func MaskString(value string) string {
	runes := []rune(value)
	if len(runes) == 0 {
		return value
	}
	if len(runes) <= 4 {
		return strings.Repeat(string(maskRune), len(runes))
	}
	keep := len(runes) - 4
	for i := 0; i < keep; i++ {
		runes[i] = maskRune
	}
	return string(runes)
}

func isPIIKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	piiTokens := []string{
		"phone",
		"mobile",
		"email",
		"name",
		"address",
		"birth",
		"ssn",
		"msisdn",
		"wa_id",
	}
	for _, token := range piiTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func shouldRedactKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || isTraceabilityKey(key) {
		return false
	}
	sensitiveTokens := []string{
		"password",
		"secret",
		"token",
		"authorization",
		"api_key",
		"apikey",
		"access_key",
		"credential",
		"signature",
		"ciphertext",
	}
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func isTraceabilityKey(key string) bool {
	switch key {
	case "tenant_id",
		"integration_id",
		"source_type",
		"provider",
		"external_id",
		"event_id",
		"job_id",
		"run_id",
		"dedupe_key",
		"idempotency_key",
		"trace_id",
		"request_id":
		return true
	default:
		return false
	}
}
