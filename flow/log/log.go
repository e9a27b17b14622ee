package log

import (
	"context"
	"maps"
	"slices"

	"github.com/on-the-ground/kflow_go/flow/model"
	"github.com/on-the-ground/kflow_go/flow/scope"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

var zapLevels = map[LogLevel]zapcore.Level{
	LogDebug: zapcore.DebugLevel,
	LogInfo:  zapcore.InfoLevel,
	LogWarn:  zapcore.WarnLevel,
	LogError: zapcore.ErrorLevel,
}

// zapLevel maps l to a zap level; unknown levels log at info.
func (l LogLevel) zapLevel() zapcore.Level {
	if lvl, ok := zapLevels[l]; ok {
		return lvl
	}
	return zapcore.InfoLevel
}

// LogPayload is one log record travelling to the handler.
// ViewModel names the view model the record came from, if any.
type LogPayload struct {
	Level     LogLevel
	Message   string
	ViewModel string
	Fields    map[string]interface{}
}

func (LogPayload) PartitionKey() string {
	return model.Unpartitioned
}

// zapFields renders the payload fields in key order. Errors keep their zap error encoding.
func (p LogPayload) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, len(p.Fields)+1)
	if p.ViewModel != "" {
		fields = append(fields, zap.String("view_model", p.ViewModel))
	}
	for _, k := range slices.Sorted(maps.Keys(p.Fields)) {
		if err, ok := p.Fields[k].(error); ok {
			fields = append(fields, zap.NamedError(k, err))
			continue
		}
		fields = append(fields, zap.Any(k, p.Fields[k]))
	}
	return fields
}

type viewModelKey struct{}

// WithViewModel tags every record logged under ctx with the view model id.
func WithViewModel(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, viewModelKey{}, id)
}

func viewModelOf(ctx context.Context) string {
	id, _ := ctx.Value(viewModelKey{}).(string)
	return id
}

// WithZapEffectHandler installs a fire-and-forget log handler on logger.
// Records below the logger's level are skipped before their fields are built.
// Ending the scope drains the queue and syncs the logger.
func WithZapEffectHandler(
	ctx context.Context,
	bufferSize int,
	logger *zap.Logger,
) (context.Context, func() context.Context) {
	return scope.WithFireAndForgetHandler(
		ctx,
		model.NewScopeConfig(bufferSize, 1),
		model.EffectLog,
		func(_ context.Context, payload LogPayload) {
			if ce := logger.Check(payload.Level.zapLevel(), payload.Message); ce != nil {
				ce.Write(payload.zapFields()...)
			}
		},
		func() {
			// stdout/stderr sinks report EINVAL on sync
			_ = logger.Sync()
		},
	)
}

// Effect queues a record for the log handler in ctx, dropping it if there is none.
func Effect(ctx context.Context, level LogLevel, msg string, fields map[string]interface{}) {
	if !scope.HasHandler(ctx, model.EffectLog) {
		return
	}
	_ = scope.FireAndForget(ctx, model.EffectLog, LogPayload{
		Level:     level,
		Message:   msg,
		ViewModel: viewModelOf(ctx),
		Fields:    fields,
	})
}
