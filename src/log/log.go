package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/docmigrate/docmigrate/src/configs"
)

// New 根据当前配置初始化全局 logger
func New() *logrus.Logger {
	cfg := configs.GetCurrentConfig()
	logLevel := logrus.InfoLevel
	if cfg != nil && cfg.Debug {
		logLevel = logrus.DebugLevel
	}

	writers := []io.Writer{os.Stderr}
	if cfg != nil && cfg.Log.OutPutFolder != "" {
		if _, err := os.Stat(cfg.Log.OutPutFolder); err == nil {
			runID := time.Now().Format("run-2006-01-02-15-04-05")
			logLocation := filepath.Join(cfg.Log.OutPutFolder, runID+".log")
			if logFile, err := os.OpenFile(logLocation, os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				writers = append(writers, logFile)
			}
		}
	}

	logrus.SetOutput(io.MultiWriter(writers...))
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if cfg != nil && cfg.Debug {
		logrus.SetReportCaller(true)
	}
	logrus.SetLevel(logLevel)

	return logrus.StandardLogger()
}

// GetLogger 返回全局唯一的 logrus Logger。
// 便于在代码任意位置获取 Logger，而无需通过 instance 传递。
func GetLogger() *logrus.Logger {
	return logrus.StandardLogger()
}

// WithFields 是对全局 Logger 的便捷封装，返回带字段的 Entry。
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.StandardLogger().WithFields(fields)
}
