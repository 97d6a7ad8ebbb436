package core

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const DefaultMetricPrefix = "ingress"

// Observer emits one structured log line plus a counter and a duration
// histogram per observed operation.
type Observer struct {
	logger  Logger
	metrics MetricsRecorder
	prefix  string
	now     func() time.Time
}

// discardMetrics backs observers built without a recorder.
type discardMetrics struct{}

func (discardMetrics) IncCounter(context.Context, string, int64, map[string]string) {}

func (discardMetrics) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func NewObserver(logger Logger, metrics MetricsRecorder) *Observer {
	if metrics == nil {
		metrics = discardMetrics{}
	}
	return &Observer{
		logger:  glog.Ensure(logger),
		metrics: metrics,
		prefix:  DefaultMetricPrefix,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (o *Observer) Logger() Logger {
	if o == nil {
		return glog.Nop()
	}
	return o.logger
}

func (o *Observer) Metrics() MetricsRecorder {
	if o == nil || o.metrics == nil {
		return discardMetrics{}
	}
	return o.metrics
}

func (o *Observer) Observe(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if o == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	elapsed := o.now().Sub(startedAt)

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		if code := ErrorCode(err); code != "" {
			contextFields["error_code"] = code
		}
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"tenant_id", "provider", "source_type", "job_type", "outcome"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	o.Count(ctx, operation+".total", tags)
	o.metrics.ObserveHistogram(ctx, o.metricName(operation+".duration_ms"), float64(elapsed.Milliseconds()), maps.Clone(tags))

	if err != nil {
		o.Error(ctx, operation+" failed", contextFields)
		return
	}
	o.Info(ctx, operation+" succeeded", contextFields)
}

// Count increments the prefixed counter name by one.
func (o *Observer) Count(ctx context.Context, name string, tags map[string]string) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.IncCounter(ctx, o.metricName(name), 1, maps.Clone(tags))
}

func (o *Observer) Debug(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "debug", message, fields)
}

func (o *Observer) Info(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "info", message, fields)
}

func (o *Observer) Warn(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "warn", message, fields)
}

func (o *Observer) Error(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "error", message, fields)
}

func (o *Observer) metricName(name string) string {
	name = strings.TrimSpace(name)
	if o.prefix == "" {
		return name
	}
	return o.prefix + "." + name
}

func (o *Observer) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.logger == nil {
		return
	}
	logger := o.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		logger.Debug(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "error":
		logger.Error(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
