// Package logx configures owbsend's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - Machine output JSON-structured (one event per line on stdout)
//   - Level and format swappable at runtime on config reload
package logx
