package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowQuery = 200 * time.Millisecond

// QueryLogger routes gorm's statement log into zap, tagged with the
// statement kind and the trace of the request that issued it.
type QueryLogger struct {
	zap       *zap.Logger
	slowQuery time.Duration
	level     logger.LogLevel
	showSQL   bool
}

type QueryLogOptions struct {
	Level     logger.LogLevel
	ShowSQL   bool
	SlowQuery time.Duration
}

func NewQueryLogger(z *zap.Logger, opts QueryLogOptions) *QueryLogger {
	if opts.SlowQuery <= 0 {
		opts.SlowQuery = defaultSlowQuery
	}
	return &QueryLogger{
		zap:       z.Named("gorm"),
		slowQuery: opts.SlowQuery,
		level:     opts.Level,
		showSQL:   opts.ShowSQL,
	}
}

func (l *QueryLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *QueryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.with(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *QueryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.with(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *QueryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.with(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *QueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)

	lvl, msg := l.classify(elapsed, err)
	if lvl < zapcore.WarnLevel && !l.showSQL {
		return
	}
	log := l.with(ctx)
	if ce := log.Check(lvl, msg); ce != nil {
		sql, rows := fc()
		fields := []zap.Field{
			zap.String("op", statementKind(sql)),
			zap.String("file", utils.FileWithLineNum()),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		if msg == "slow query" {
			fields = append(fields, zap.Duration("threshold", l.slowQuery))
		}
		ce.Write(fields...)
	}
}

// classify picks the level for a finished statement. Misses and unique
// violations are how settlement keys and chain sequence numbers signal a
// replay, so they stay at debug.
func (l *QueryLogger) classify(elapsed time.Duration, err error) (zapcore.Level, string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, gorm.ErrDuplicatedKey):
		return zapcore.DebugLevel, "query"
	case err != nil:
		return zapcore.ErrorLevel, "query failed"
	case elapsed > l.slowQuery:
		return zapcore.WarnLevel, "slow query"
	case l.level >= logger.Info:
		return zapcore.InfoLevel, "query"
	}
	return zapcore.DebugLevel, "query"
}

func (l *QueryLogger) with(ctx context.Context) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l.zap
	}
	return l.zap.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

func statementKind(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexAny(sql, " \n\t("); i > 0 {
		sql = sql[:i]
	}
	return strings.ToLower(sql)
}
