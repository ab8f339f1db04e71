// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package enrollment

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DefaultSlowQueryThreshold is the duration above which a query is
// logged as a warning.
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// queryLogger forwards the gorm log messages to zerolog.
type queryLogger struct {
	zerolog.Logger
	slowThreshold time.Duration
}

var _ gormlogger.Interface = queryLogger{}

// NewQueryLogger returns a gorm logger writing to the given zerolog logger.
func NewQueryLogger(parent zerolog.Logger) gormlogger.Interface {
	return queryLogger{
		Logger:        parent,
		slowThreshold: DefaultSlowQueryThreshold,
	}
}

var gormToZeroLogLevel = map[gormlogger.LogLevel]zerolog.Level{
	gormlogger.Silent: zerolog.Disabled,
	gormlogger.Error:  zerolog.ErrorLevel,
	gormlogger.Warn:   zerolog.WarnLevel,
	gormlogger.Info:   zerolog.InfoLevel,
}

func (l queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	zeroLevel, ok := gormToZeroLogLevel[level]
	if !ok {
		zeroLevel = zerolog.TraceLevel
		if level < gormlogger.Silent {
			zeroLevel = zerolog.Disabled
		}
	}
	return queryLogger{Logger: l.Logger.Level(zeroLevel), slowThreshold: l.slowThreshold}
}

func (l queryLogger) Info(_ context.Context, msg string, data ...any) {
	l.Logger.Info().Msgf(msg, data...)
}

func (l queryLogger) Warn(_ context.Context, msg string, data ...any) {
	l.Logger.Warn().Msgf(msg, data...)
}

func (l queryLogger) Error(_ context.Context, msg string, data ...any) {
	l.Logger.Error().Msgf(msg, data...)
}

// Trace logs failed queries as errors and slow queries as warnings.
// A missing record is not a failure: lookups of unknown names are
// expected.
func (l queryLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	elapsed := time.Since(begin)
	level := l.GetLevel()
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && level <= zerolog.ErrorLevel:
		sql, rows := fc()
		l.Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query error")
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && level <= zerolog.WarnLevel:
		sql, rows := fc()
		l.Logger.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("slow query")
	case level <= zerolog.TraceLevel:
		sql, rows := fc()
		l.Logger.Trace().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("query")
	}
}
