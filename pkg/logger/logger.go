package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log 全局日志实例
var Log *zap.Logger

// Init 初始化全局日志
// mode: release 使用 JSON 格式，其他使用开发者友好的 console 格式
func Init(mode string) {
	var (
		l   *zap.Logger
		err error
	)

	if mode == "release" {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err = cfg.Build(zap.AddCallerSkip(0))
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	Log = l
}

// Sync 刷新缓冲区，进程退出前调用
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
