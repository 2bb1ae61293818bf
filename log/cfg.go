package log

// LogCfg configures the default logger. It is loaded through the config manager
// under the name "logger" and may be hot reloaded.
type LogCfg struct {
	// LogPath is the target file for the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level that is written (0=trace ... 5=fatal).
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file once it grows past this many megabytes.
	// Zero disables rotation.
	FileSplitMB int `mapstructure:"splitmb"`

	// CallerSkip is the number of extra stack frames to skip for caller info.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

// GetName implements config.Config.
func (cfg *LogCfg) GetName() string {
	return "logger"
}

// Validate implements config.Config.
func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return errInvalidLevel
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return errEmptyLogPath
	}
	return nil
}

var _defaultCfg = &LogCfg{
	LogPath:         "./packetflow.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	CallerSkip:      2,
	FileAppender:    false,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
