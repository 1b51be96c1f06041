package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/media-orchestrator/internal/logging"
	"github.com/JakeFAU/media-orchestrator/internal/progress"
)

// LogSink renders progress as structured log lines. Retries and skips are
// logged at debug, failures at warn, everything else at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger)}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, events []progress.Event) error {
	for _, evt := range events {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("run_identity", string(evt.RunIdentity)),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Stage.IsTarget() {
			fields = append(fields,
				zap.String("target_key", evt.TargetKey),
				zap.String("target_kind", string(evt.TargetKind)),
				zap.Int("attempt", evt.Attempt),
			)
		} else {
			fields = append(fields, zap.Int("total", evt.Total))
		}
		if evt.ErrorKind != "" {
			fields = append(fields, zap.String("error_kind", string(evt.ErrorKind)))
		}
		if evt.Delay > 0 {
			fields = append(fields, zap.Duration("delay", evt.Delay))
		}
		if evt.Items.Total() > 0 {
			fields = append(fields,
				zap.Int("images", evt.Items.Images),
				zap.Int("videos", evt.Items.Videos),
				zap.Int("stories", evt.Items.Stories),
				zap.Int("reels", evt.Items.Reels),
			)
		}
		fields = append(fields,
			zap.Int("succeeded", evt.Totals.Succeeded),
			zap.Int("failed", evt.Totals.Failed),
			zap.Int("skipped", evt.Totals.Skipped),
			zap.Duration("dur", evt.Dur),
		)
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if ce := s.logger.Check(levelFor(evt.Stage), "progress event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageTargetRetry, progress.StageTargetSkipped:
		return zapcore.DebugLevel
	case progress.StageTargetFailed:
		return zapcore.WarnLevel
	case progress.StageRunError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
