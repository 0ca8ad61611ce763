// Package logx provides a small structured-logging facade over zerolog.
//
// The zero value of Logger is a safe no-op, so components can hold a Logger
// field without nil checks. The Service variant supports swapping sinks and
// levels at runtime (config hot reload).
package logx
