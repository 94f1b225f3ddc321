package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// InfoLogger 信息日志实例
	InfoLogger *logrus.Logger
	// ErrorLogger 错误日志实例
	ErrorLogger *logrus.Logger
)

const timestampFormat = "15:04:05 MST 2006/01/02"

// LogConfig 日志配置
type LogConfig struct {
	ErrorLogPath string
	InfoLogPath  string
	LogLevel     string
}

func init() {
	// 未调用 InitLogger 时使用标准输出
	formatter := &CustomFormatter{TimestampFormat: timestampFormat}
	Logger = newLogger(formatter, logrus.InfoLevel, os.Stdout)
	InfoLogger = Logger
	ErrorLogger = newLogger(formatter, logrus.InfoLevel, os.Stderr)
}

// CustomFormatter 自定义日志格式化器
type CustomFormatter struct {
	TimestampFormat string
}

// Format 实现 logrus.Formatter 接口，输出 [时间] [级别] (调用者) 消息 k=v...
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	layout := f.TimestampFormat
	if layout == "" {
		layout = timestampFormat
	}
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] (%s) %s", entry.Time.Format(layout), level, getCaller(), entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}

// getCaller 跳过日志框架的栈帧，返回 文件名:函数:行号
func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "sirupsen") ||
			strings.Contains(file, "/logrus/") ||
			strings.HasSuffix(file, "/logger/logger.go") {
			continue
		}
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), runtime.FuncForPC(pc).Name(), line)
	}
	return "unknown:unknown:0"
}

// parseLogLevel 解析日志级别字符串
func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func newLogger(formatter logrus.Formatter, level logrus.Level, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(formatter)
	l.SetLevel(level)
	l.SetOutput(out)
	return l
}

// InitLogger 初始化日志，日志文件打开失败时回退到标准输出
func InitLogger(config LogConfig) error {
	formatter := &CustomFormatter{TimestampFormat: timestampFormat}
	level := parseLogLevel(config.LogLevel)

	InfoLogger = newLogger(formatter, level, os.Stdout)
	if config.InfoLogPath != "" {
		f, err := openLogFile(config.InfoLogPath)
		if err != nil {
			InfoLogger.Warnf("failed to open info log %s, fallback to stdout: %v", config.InfoLogPath, err)
		} else {
			InfoLogger.SetOutput(io.MultiWriter(os.Stdout, f))
		}
	}

	ErrorLogger = newLogger(formatter, level, os.Stderr)
	if config.ErrorLogPath != "" {
		f, err := openLogFile(config.ErrorLogPath)
		if err != nil {
			ErrorLogger.Warnf("failed to open error log %s, fallback to stderr: %v", config.ErrorLogPath, err)
		} else {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, f))
		}
	}

	Logger = newLogger(formatter, level, InfoLogger.Out)
	return nil
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

// WithFields 返回带结构化字段的日志条目
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	InfoLogger.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	ErrorLogger.Errorf(format, args...)
}

// Fatalf 记录错误并退出进程
func Fatalf(format string, args ...interface{}) {
	ErrorLogger.Fatalf(format, args...)
}
