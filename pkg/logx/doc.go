// Package logx configures notiflow's structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output stays JSON-structured
//   - levels and sinks can be swapped at runtime (Service.Apply) without
//     handing new loggers to every component
package logx
