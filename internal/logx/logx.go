package logx

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process-wide logger. All components receive a child of this
// logger; per-message fields (orderNo, eventId, traceId) are attached at the
// call site.
func New(service string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log.With(zap.String("service", service))
}
