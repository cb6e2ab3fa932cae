// Package logx configures vitalwatch's structured logging.
//
// Components log through logx.Logger, a small wrapper on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Level and sinks can be swapped at runtime via Service.Apply
package logx
