package log

// SessionLogger shares a BaseLogger's level and appenders and stamps every event
// with the id of the session that produced it.
type SessionLogger struct {
	*BaseLogger
	sessionID string
}

// NewSessionLogger wraps base; a nil base uses the package default.
func NewSessionLogger(base *BaseLogger, sessionID string) *SessionLogger {
	if base == nil {
		base = _defaultLogger
	}
	return &SessionLogger{BaseLogger: base, sessionID: sessionID}
}

// SessionID returns the id stamped on events.
func (x *SessionLogger) SessionID() string {
	return x.sessionID
}

func (x *SessionLogger) log(level Level) *LogEvent {
	if level < x.GetLevel() {
		return nil
	}
	return x.begin(x.BaseLogger, level).Str("session", x.sessionID)
}

func (x *SessionLogger) Debug() *LogEvent { return x.log(DebugLevel) }
func (x *SessionLogger) Info() *LogEvent  { return x.log(InfoLevel) }
func (x *SessionLogger) Warn() *LogEvent  { return x.log(WarnLevel) }
func (x *SessionLogger) Error() *LogEvent { return x.log(ErrorLevel) }
func (x *SessionLogger) Fatal() *LogEvent { return x.log(FatalLevel) }
