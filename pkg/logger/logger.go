// Copyright 2024 Mediaswitch, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger handed to every component. Warnw and
// Errorw take an error before the key/value pairs; a nil error is fine.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, err error, keysAndValues ...interface{})
	Errorw(msg string, err error, keysAndValues ...interface{})
	WithValues(keysAndValues ...interface{}) Logger
	WithComponent(component string) Logger
}

type zapLogger struct {
	zap *zap.SugaredLogger
}

var (
	defaultLogger Logger = &zapLogger{zap: zap.NewNop().Sugar()}
	defaultLock   sync.Mutex

	// tags enabled via --log-tag; empty means everything
	enabledTags map[string]bool
)

func GetLogger() Logger {
	defaultLock.Lock()
	defer defaultLock.Unlock()
	return defaultLogger
}

// InitFromConfig replaces the process logger. level is one of
// debug/info/warn/error; tags restricts component loggers to the named set.
func InitFromConfig(level string, tags []string) {
	lvl := zapcore.InfoLevel
	switch level {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		lvl,
	)

	defaultLock.Lock()
	defer defaultLock.Unlock()
	defaultLogger = &zapLogger{zap: zap.New(core).Sugar()}
	if len(tags) > 0 {
		enabledTags = make(map[string]bool, len(tags))
		for _, t := range tags {
			enabledTags[t] = true
		}
	} else {
		enabledTags = nil
	}
}

func (l *zapLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.zap.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.zap.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.zap.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.zap.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) WithValues(keysAndValues ...interface{}) Logger {
	return &zapLogger{zap: l.zap.With(keysAndValues...)}
}

func (l *zapLogger) WithComponent(component string) Logger {
	defaultLock.Lock()
	tags := enabledTags
	defaultLock.Unlock()
	if tags != nil && !tags[component] {
		return &zapLogger{zap: zap.NewNop().Sugar()}
	}
	return &zapLogger{zap: l.zap.With("component", component)}
}
