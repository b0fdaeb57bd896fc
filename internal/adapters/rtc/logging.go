package rtc

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerFactory routes pion's internal logging into zerolog.
type LoggerFactory struct {
	Level zerolog.Level
}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{z: log.With().Str("module", "pion").Str("scope", scope).Logger().Level(f.Level)}
}

type leveledLogger struct {
	z zerolog.Logger
}

func (l *leveledLogger) Trace(msg string)                  { l.z.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.z.Trace().Msgf(format, args...) }
func (l *leveledLogger) Debug(msg string)                  { l.z.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.z.Debug().Msgf(format, args...) }
func (l *leveledLogger) Info(msg string)                   { l.z.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.z.Info().Msgf(format, args...) }
func (l *leveledLogger) Warn(msg string)                   { l.z.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.z.Warn().Msgf(format, args...) }
func (l *leveledLogger) Error(msg string)                  { l.z.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.z.Error().Msgf(format, args...) }
