// Package logutil configures process logging for Libera tasks.
//
// Task logging is driven by LIBERA_CONSOLE_LOG_LEVEL, LIBERA_LOG_DIR and
// LIBERA_LOG_GROUP. With none of them set only INFO console logging is
// enabled.
package logutil

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/smartio"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// is pointed at the task logger by ConfigureTaskLogging.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

const (
	logFileMaxMB      = 1
	logFileMaxBackups = 3
)

// StrBool reports whether an environment string is truthy. Empty strings
// and false, 0, none and null (any case) are falsy.
func StrBool(s string) bool {
	if s == "" {
		return false
	}
	switch strings.ToLower(s) {
	case "false", "0", "none", "null":
		return false
	}
	return true
}

// ParseLevel maps a level name to a zap level. WARNING and CRITICAL are
// accepted as aliases.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "WARNING":
		return zapcore.WarnLevel, nil
	case "CRITICAL", "FATAL":
		return zapcore.FatalLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(name))
}

// TaskOptions adjusts ConfigureTaskLogging.
type TaskOptions struct {
	// ConsoleLevel overrides LIBERA_CONSOLE_LOG_LEVEL when non-empty.
	ConsoleLevel string
	// Console receives console output. Defaults to os.Stdout.
	Console io.Writer
	// CloudWatch is used for the log group handler. Defaults to a client
	// built from the AWS environment.
	CloudWatch CloudWatchAPI
	// Config supplies the LIBERA_* variables. Defaults to config.Default().
	Config *config.Config
}

// TaskLogging is the result of ConfigureTaskLogging.
type TaskLogging struct {
	Logger   *zap.Logger
	LogFile  string
	LogGroup string

	cloudwatch *cloudWatchSink
	rotator    *lumberjack.Logger
	restore    func()
}

// Flush syncs every sink, including pending CloudWatch events.
func (t *TaskLogging) Flush() error {
	return t.Logger.Sync()
}

// Close flushes and releases the sinks and restores the previous global logger.
func (t *TaskLogging) Close() error {
	_ = t.Logger.Sync()
	var err error
	if t.cloudwatch != nil {
		err = t.cloudwatch.Close()
	}
	if t.rotator != nil {
		if cerr := t.rotator.Close(); err == nil {
			err = cerr
		}
	}
	if t.restore != nil {
		t.restore()
	}
	return err
}

func plaintextEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.FunctionKey = "func"
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.LevelKey = "level"
	cfg.CallerKey = "module"
	cfg.FunctionKey = "function"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

// ConfigureTaskLogging installs a global zap logger for the task identified
// by taskID. The console sink logs at the configured level, the rotating
// file in LIBERA_LOG_DIR/<taskID>.log and the CloudWatch stream
// LIBERA_LOG_GROUP/<taskID> log at DEBUG.
func ConfigureTaskLogging(ctx context.Context, taskID string, opts TaskOptions) (*TaskLogging, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	var cores []zapcore.Core
	var setup []string
	tl := &TaskLogging{}

	consoleLevel := opts.ConsoleLevel
	if consoleLevel == "" {
		if v, err := cfg.String("LIBERA_CONSOLE_LOG_LEVEL"); err == nil && StrBool(v) {
			consoleLevel = v
		}
	}
	if consoleLevel != "" {
		lvl, err := ParseLevel(consoleLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid console log level %q: %w", consoleLevel, err)
		}
		cores = append(cores, zapcore.NewCore(plaintextEncoder(), zapcore.AddSync(console), lvl))
		setup = append(setup, fmt.Sprintf("Console logging configured at level %s.", strings.ToUpper(consoleLevel)))
	}

	if logDir, err := cfg.String("LIBERA_LOG_DIR"); err == nil && StrBool(logDir) {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		tl.LogFile = filepath.Join(logDir, taskID+".log")
		tl.rotator = &lumberjack.Logger{
			Filename:   tl.LogFile,
			MaxSize:    logFileMaxMB,
			MaxBackups: logFileMaxBackups,
		}
		cores = append(cores, zapcore.NewCore(plaintextEncoder(), zapcore.AddSync(tl.rotator), zapcore.DebugLevel))
		setup = append(setup, fmt.Sprintf("File logging configured to log to %s.", tl.LogFile))
	}

	if group, err := cfg.String("LIBERA_LOG_GROUP"); err == nil && StrBool(group) {
		client := opts.CloudWatch
		if client == nil {
			client, err = NewCloudWatchClient(ctx)
			if err != nil {
				return nil, err
			}
		}
		tl.LogGroup = group
		tl.cloudwatch = newCloudWatchSink(ctx, client, group, taskID, nil)
		cores = append(cores, zapcore.NewCore(jsonEncoder(), tl.cloudwatch, zapcore.DebugLevel))
		setup = append(setup, fmt.Sprintf("Cloudwatch logging configured for log-group/log-stream: %s/%s.", group, taskID))
	}

	tl.Logger = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).With(zap.String("task", taskID))
	tl.restore = zap.ReplaceGlobals(tl.Logger)
	SetLogger(tl.Logger.Sugar().Infof)

	for _, msg := range setup {
		tl.Logger.Info(msg)
	}
	return tl, nil
}

// ConfigureStaticLogging builds the global logger from a YAML zap
// configuration file, which may be local or in S3.
func ConfigureStaticLogging(ctx context.Context, path string) (*zap.Logger, error) {
	data, err := smartio.Default().ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read logging config: %w", err)
	}
	var zcfg zap.Config
	if err := yaml.Unmarshal(data, &zcfg); err != nil {
		return nil, fmt.Errorf("failed to parse logging config: %w", err)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	SetLogger(logger.Sugar().Infof)
	logger.Sugar().Infof("Logging configured statically according to %s.", path)
	return logger, nil
}
