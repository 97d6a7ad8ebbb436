package gologger

import (
	"github.com/goliatone/go-ingress/core"
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// DefaultLoggerName is the logger name the runtime asks providers for.
const DefaultLoggerName = "ingress"

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	if name == "" {
		name = DefaultLoggerName
	}
	return glog.Resolve(name, provider, logger)
}

// NewObserver resolves a logger and wraps it with the metrics recorder in
// the observer every service logs through.
func NewObserver(name string, provider glog.LoggerProvider, logger glog.Logger, metrics core.MetricsRecorder) *core.Observer {
	_, resolved := Resolve(name, provider, logger)
	return core.NewObserver(resolved, metrics)
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves once and returns both the glog pair and the go-job
// bridges, so queue workers log under the same name as the services.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
