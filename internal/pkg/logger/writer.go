package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
)

// LogWriter 适配 gorm logger.Writer 接口，复用 zap 的输出目标
type LogWriter struct {
	zapcore.WriteSyncer
}

func (l *LogWriter) Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(l.WriteSyncer, format+"\n", args...)
	_ = l.WriteSyncer.Sync()
}

// GetWriter 返回日志输出目标，未初始化时写到标准输出
func GetWriter() *LogWriter {
	if logWriter == nil {
		return &LogWriter{zapcore.AddSync(os.Stdout)}
	}
	return logWriter
}
