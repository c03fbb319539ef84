// Package logging provides structured logging for actiond.
//
// Logger wraps zap with:
//   - a Trace level below Debug
//   - stdout output plus optional OpenTelemetry output via the otelzap bridge
//   - correlation fields taken from the context (trace, action, pattern, request)
//   - redaction of control-plane tokens, database DSNs and bearer headers
//   - per-level sampling; errors are never sampled
//
// Core packages take a *zap.Logger; pass Logger.Underlying() to them.
//
//	logger, err := logging.NewLogger(cfg, global.GetLoggerProvider())
//	ctx = logging.WithActionID(ctx, d.ID)
//	logger.Info(ctx, "decision accepted", zap.String("action_type", string(d.Type)))
package logging
