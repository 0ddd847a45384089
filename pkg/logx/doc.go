// Package logx is the bot's structured logging layer.
//
// A thin Logger wrapper over zerolog provides:
//   - readable console output (short timestamp and file:line caller)
//   - an optional JSON file sink
//   - an optional operator-chat sink (min level, token-bucket throttled)
//
// Loggers derived from a Service follow Service.Apply, so hot-reloaded
// levels and sinks take effect without re-wiring components.
package logx
