// Package logx configures recurd's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp, key=value fields)
//   - File output JSON-structured
//   - Live reconfiguration via Service.Apply (config hot reload)
package logx
