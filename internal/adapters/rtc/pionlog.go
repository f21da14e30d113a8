package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// pion is chatty; its info goes to debug and its debug to trace.
type pionLogger struct {
	l zerolog.Logger
}

type PionLoggerFactory struct {
	base zerolog.Logger
}

func NewPionLoggerFactory(base zerolog.Logger) *PionLoggerFactory {
	return &PionLoggerFactory{base: base}
}

func (p PionLoggerFactory) NewLogger(subsystem string) logging.LeveledLogger {
	return &pionLogger{l: p.base.With().Str("module", "pion").Str("scope", subsystem).Logger()}
}

func (p *pionLogger) Trace(msg string) { p.l.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...any) {
	p.l.Trace().Msgf(format, args...)
}
func (p *pionLogger) Debug(msg string) { p.l.Trace().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...any) {
	p.l.Trace().Msgf(format, args...)
}
func (p *pionLogger) Info(msg string) { p.l.Debug().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...any) {
	p.l.Debug().Msgf(format, args...)
}
func (p *pionLogger) Warn(msg string) { p.l.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...any) {
	p.l.Warn().Msgf(format, args...)
}
func (p *pionLogger) Error(msg string) { p.l.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...any) {
	p.l.Error().Msgf(format, args...)
}
