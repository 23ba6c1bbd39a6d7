// Package logx configures readbot's structured logging.
//
// Logger is a small value-type wrapper on top of zerolog:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON
//   - an optional chat sink forwards WARN+ lines to the operator log chat (rate limited)
package logx
