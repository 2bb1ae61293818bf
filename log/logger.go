package log

import (
	"github.com/lcx/packetflow/config"
)

// Logger is the leveled event API shared by every logger in the module.
type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	OnEventEnd(e *LogEvent)
}

var _defaultLogger = NewLogger(nil)

// Default returns the package level logger.
func Default() *BaseLogger {
	return _defaultLogger
}

// SetDefaultLogger replaces the package level logger.
func SetDefaultLogger(logger *BaseLogger) {
	if logger != nil {
		_defaultLogger = logger
	}
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	_defaultLogger.AddAppender(appender)
}

// Refresh flushes the default logger's appenders.
func Refresh() {
	_defaultLogger.Refresh()
}

// InitializeWithConfigManager loads the "logger" config, installs a logger built from it
// as the default and subscribes it to hot reload.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := &LogCfg{}
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}

	logger := NewLogger(logCfg)
	configManager.AddChangeListener(logger)
	SetDefaultLogger(logger)
	return nil
}

// Initialize initializes the default logger from the singleton config manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Debug() *LogEvent { return _defaultLogger.Debug() }
func Info() *LogEvent  { return _defaultLogger.Info() }
func Warn() *LogEvent  { return _defaultLogger.Warn() }
func Error() *LogEvent { return _defaultLogger.Error() }
func Fatal() *LogEvent { return _defaultLogger.Fatal() }
