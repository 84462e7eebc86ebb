package dedup

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap logger for the given environment.
// prod uses JSON output, local/dev use colored console output.
// level (if non-empty) overrides the environment's default level.
func NewLogger(env, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch env {
	case "prod":
		cfg = zap.NewProductionConfig()
	case "local", "dev", "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown environment %q for logger", env)
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// LogObserver writes pass events to a zap logger. Per-feature events are
// logged at debug level, pass boundaries at info.
type LogObserver struct {
	log *zap.Logger
}

// NewLogObserver creates an observer logging to l
func NewLogObserver(l *zap.Logger) *LogObserver {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogObserver{log: l}
}

func (o *LogObserver) Observe(e Event) {
	switch e.Kind {
	case EventPassStarted:
		o.log.Info("clustering pass started", zap.Int("features", e.Total))
	case EventPassFinished:
		fields := []zap.Field{zap.Duration("elapsed", e.Elapsed)}
		if e.Stats != nil {
			fields = append(fields,
				zap.Int("features", e.Stats.Features),
				zap.Int("clusters", e.Stats.Clusters),
				zap.Int("duplicates", e.Stats.Duplicates),
				zap.Int("unclustered", e.Stats.Unclustered),
				zap.Int("largest_cluster", e.Stats.LargestCluster),
			)
		}
		o.log.Info("clustering pass finished", fields...)
	default:
		if ce := o.log.Check(zapcore.DebugLevel, "feature processed"); ce != nil {
			ce.Write(
				zap.Stringer("event", e.Kind),
				zap.Uint64("fid", uint64(e.ID)),
				zap.Uint64("parent", uint64(e.Parent)),
				zap.Int("candidates", e.Candidates),
				zap.Int("processed", e.Processed),
				zap.Int("total", e.Total),
			)
		}
	}
}
