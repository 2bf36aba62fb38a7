package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/raterudder/batteryplan/pkg/log"
)

const slowQuery = 200 * time.Millisecond

// gormLogger sends gorm's output to the context logger instead of stdout.
// Statements are only logged at debug level, failures and slow queries above
// that.
type gormLogger struct {
	level logger.LogLevel
}

func newGormLogger() gormLogger {
	return gormLogger{level: logger.Warn}
}

func (l gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	l.level = level
	return l
}

func (l gormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		log.Ctx(ctx).InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l gormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		log.Ctx(ctx).WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l gormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		log.Ctx(ctx).ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		log.Ctx(ctx).ErrorContext(ctx, "sqlite query failed", slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed), slog.Any("error", err))
	case elapsed > slowQuery && l.level >= logger.Warn:
		sql, rows := fc()
		log.Ctx(ctx).WarnContext(ctx, "slow sqlite query", slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed))
	case log.Ctx(ctx).Enabled(ctx, slog.LevelDebug):
		sql, rows := fc()
		log.Ctx(ctx).DebugContext(ctx, "sqlite query", slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed))
	}
}
