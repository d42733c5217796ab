package main

import (
	"log"
)

// Logger is the minimal logging surface every component takes.
type Logger interface {
	Log(format string, args ...any)
}

type moduleLogger struct {
	logger *log.Logger
}

func (m *moduleLogger) Log(format string, args ...any) {
	m.logger.Printf("      "+format, args...)
}

// prefixLogger wraps a logger with a component prefix.
type prefixLogger struct {
	prefix string
	base   Logger
}

func (p *prefixLogger) Log(format string, args ...any) {
	p.base.Log("[%s] "+format, append([]any{p.prefix}, args...)...)
}

func withPrefix(base Logger, prefix string) Logger {
	return &prefixLogger{prefix: prefix, base: base}
}

type noopLogger struct{}

func (noopLogger) Log(string, ...any) {}
