package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dDocLogger implements the ILogger interface with custom formatting
type dDocLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *dDocLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *dDocLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *dDocLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *dDocLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *dDocLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *dDocLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *dDocLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-10s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the logger.Factory interface
func CreateLogger(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds)

	return &dDocLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// LoggerNames lists every logger of the module.
var LoggerNames = []string{"server", "transport", "store", "feed", "replset", "repl", "client", "cmd"}

// InitLoggers installs the custom logger factory and sets the level of every known logger.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}
	logger.SetLoggerFactory(CreateLogger)
	for _, name := range LoggerNames {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
