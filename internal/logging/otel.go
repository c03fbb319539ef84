package logging

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const otelScope = "github.com/fyrsmithlabs/actiond"

// newCore builds the stdout and OTEL cores and wraps them with sampling.
func newCore(cfg *Config, provider log.LoggerProvider, sink zapcore.WriteSyncer) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout {
		enc, err := newRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("redaction: %w", err)
		}
		cores = append(cores, zapcore.NewCore(enc, sink, cfg.Level.Zap()))
	}

	if cfg.Output.OTEL && provider != nil {
		otelCore := otelzap.NewCore(otelScope, otelzap.WithLoggerProvider(provider))
		cores = append(cores, &levelRangeCore{Core: otelCore, min: cfg.Level.Zap(), max: zapcore.FatalLevel})
	}

	if len(cores) == 0 {
		return nil, errors.New("no log output available")
	}
	return newSampledCore(zapcore.NewTee(cores...), cfg.Sampling), nil
}
