// Package logging constrói o *zap.Logger compartilhado pelo servidor e
// pelo cliente, escrevendo em console colorido e, opcionalmente, em
// arquivo rotacionado via lumberjack (spec §7 "user visible behavior").
package logging

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component nomeia o processo que está logando (server ou client), usado
// como campo estrutural em toda linha de log emitida (spec §7).
type Component string

const (
	ComponentServer Component = "server"
	ComponentClient Component = "client"
)

// Options parametriza a construção do logger.
type Options struct {
	Component Component
	Verbosity int // 0=INFO, 1=DEBUG, 2+=DEBUG com stacktrace em Warn

	// FilePath, se não vazio, ativa rotação de arquivo via lumberjack além
	// da saída colorida de console.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 3
	defaultMaxAgeDays = 28
)

// New constrói um *zap.Logger com o nível derivado de Verbosity,
// escrevendo em stderr (colorido) e, se FilePath for informado, também
// em um arquivo rotacionado.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbosity >= 1 {
		level = zapcore.DebugLevel
	}

	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	if opts.FilePath != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = defaultMaxSizeMB
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = defaultMaxBackups
		}
		maxAge := opts.MaxAgeDays
		if maxAge <= 0 {
			maxAge = defaultMaxAgeDays
		}

		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}
		fileEncoderCfg := zap.NewProductionEncoderConfig()
		fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileEncoder := zapcore.NewJSONEncoder(fileEncoderCfg)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	opts2 := []zap.Option{zap.Fields(zap.String("component", string(opts.Component)))}
	if opts.Verbosity >= 2 {
		opts2 = append(opts2, zap.AddStacktrace(zapcore.WarnLevel))
	}
	return zap.New(core, opts2...), nil
}
