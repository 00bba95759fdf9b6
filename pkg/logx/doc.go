// Package logx configures melutils' structured logging.
//
// It wraps zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Discord channel mirror (min-level + rate limiting)
package logx
