package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/packetflow/config"
)

// BaseLogger is a leveled logger that renders each event as one JSON line and
// writes it to every registered appender. Events are pooled.
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("channel", "tcp").Int("frames", 3).Msg("frames decoded")
type BaseLogger struct {
	mu                sync.RWMutex
	appenders         []LogAppender
	minLevel          atomic.Uint32
	callerSkip        int
	enabledCallerInfo bool
	eventPool         *sync.Pool
	callerCache       sync.Map
}

// NewLogger creates a logger from cfg; a nil cfg uses the defaults.
func NewLogger(cfg *LogCfg) *BaseLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &BaseLogger{
		callerSkip:        cfg.CallerSkip,
		enabledCallerInfo: cfg.EnabledCallerInfo,
	}
	logger.minLevel.Store(uint32(cfg.LogLevel))
	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	return logger
}

// OnConfigChanged implements config.ConfigChangeListener for the "logger" config.
func (x *BaseLogger) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != "logger" {
		return nil
	}
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}
	x.SetLevel(cfg.LogLevel)
	x.mu.Lock()
	x.enabledCallerInfo = cfg.EnabledCallerInfo
	x.mu.Unlock()
	return nil
}

// SetLevel changes the minimum level.
func (x *BaseLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

// GetLevel returns the minimum level.
func (x *BaseLogger) GetLevel() Level {
	return Level(x.minLevel.Load())
}

// AddAppender adds an output destination.
func (x *BaseLogger) AddAppender(appender LogAppender) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the registered appenders.
func (x *BaseLogger) GetAppender() []LogAppender {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]LogAppender(nil), x.appenders...)
}

// Refresh flushes every appender.
func (x *BaseLogger) Refresh() {
	for _, a := range x.GetAppender() {
		a.Refresh()
	}
}

// OnEventEnd writes a finished event and returns it to the pool.
func (x *BaseLogger) OnEventEnd(e *LogEvent) {
	for _, a := range x.GetAppender() {
		_, _ = a.Write(e.Bytes())
	}
	level := e.level
	x.eventPool.Put(e)
	if level == FatalLevel {
		panic("fatal log event")
	}
}

func (x *BaseLogger) Debug() *LogEvent { return x.log(DebugLevel) }
func (x *BaseLogger) Info() *LogEvent  { return x.log(InfoLevel) }
func (x *BaseLogger) Warn() *LogEvent  { return x.log(WarnLevel) }
func (x *BaseLogger) Error() *LogEvent { return x.log(ErrorLevel) }
func (x *BaseLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

func (x *BaseLogger) log(level Level) *LogEvent {
	if level < x.GetLevel() {
		return nil
	}
	return x.begin(x, level)
}

// begin takes a pooled event and stamps the common fields. owner receives OnEventEnd.
func (x *BaseLogger) begin(owner Logger, level Level) *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	e.level = level
	e.logger = owner

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	x.mu.RLock()
	withCaller := x.enabledCallerInfo
	x.mu.RUnlock()
	if withCaller {
		e.Str("caller", x.caller())
	}
	return e
}

// caller resolves "dir/file.go:line" of the logging call site.
func (x *BaseLogger) caller() string {
	pc, file, line, ok := runtime.Caller(3 + x.callerSkip)
	if !ok {
		return "unknown"
	}
	if cached, found := x.callerCache.Load(pc); found {
		return cached.(string)
	}
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if prev := strings.LastIndexByte(file[:lastSlash], '/'); prev >= 0 {
			file = file[prev+1:]
		}
	}
	c := file + ":" + strconv.Itoa(line)
	x.callerCache.Store(pc, c)
	return c
}
