/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging wires go-logr/logr as the facade threaded through
// context.Context, backed by go.uber.org/zap via go-logr/zapr.
//
// Grounded in the teacher's cmd/manager/main.go, which does
// ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts))) — here expressed
// directly as zapr.NewLogger(zapLogger) without controller-runtime's
// global logger singleton, since napi has no controller-runtime dependency.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

// New builds a logr.Logger at the given level ("debug", "info", "warn",
// "error"), backed by a production zap encoder config.
func New(level string) (logr.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl), nil
}

// IntoContext stores log on ctx, mirroring ctrl.LoggerInto.
func IntoContext(ctx context.Context, log logr.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored by IntoContext, or the discard
// logger if none was set, mirroring ctrl.LoggerFrom.
func FromContext(ctx context.Context) logr.Logger {
	if log, ok := ctx.Value(ctxKey{}).(logr.Logger); ok {
		return log
	}
	return logr.Discard()
}

// WithRequest returns log enriched with request-scoped fields, attached to
// every handler per the ambient-stack convention of carrying request_id,
// method, path.
func WithRequest(log logr.Logger, requestID, method, path string) logr.Logger {
	return log.WithValues("request_id", requestID, "method", method, "path", path)
}
