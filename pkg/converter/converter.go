package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ConvertBatch is the one-shot entry point of the library: it starts a controller,
// converts files as a single batch, waits for the batch to finish and shuts the
// controller down again (persisting the result cache if configured).
//
// When ctx is cancelled the batch is cancelled, the controller is given
// shutdownGrace to stop, and the partial report is returned together with ctx.Err().
func ConvertBatch(ctx context.Context, opts Options, files []FileInfo, settings ConversionSettings, progress func(BatchProgress)) (BatchReport, error) {
	c, err := New(opts)
	if err != nil {
		return BatchReport{}, err
	}
	logger := slog.New(c.opts.Logger).With(slog.String("component", "convertBatch"))

	if progress != nil {
		h := c.SubscribeProgress(progress)
		defer c.Unsubscribe(h)
	}

	batchID, err := c.Submit(files, settings)
	if err != nil {
		shutdownErr := c.Shutdown(context.Background())
		return BatchReport{}, errors.Join(err, shutdownErr)
	}

	report, waitErr := c.Wait(ctx, batchID)
	if waitErr != nil {
		logger.Info("Batch interrupted, cancelling", slog.String("batch_id", batchID), slog.String("reason", waitErr.Error()))
		if cancelErr := c.Cancel(batchID); cancelErr != nil {
			logger.Warn("Cancel failed", slog.String("error", cancelErr.Error()))
		}
		graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := c.Shutdown(graceCtx); err != nil {
			logger.Warn("Shutdown after interruption did not complete cleanly", slog.String("error", err.Error()))
		}
		partial, err := c.Wait(graceCtx, batchID)
		if err != nil {
			return BatchReport{}, fmt.Errorf("batch %s interrupted: %w", batchID, waitErr)
		}
		return partial, waitErr
	}

	if err := c.Shutdown(context.Background()); err != nil {
		return report, fmt.Errorf("shutting down batch controller: %w", err)
	}
	return report, nil
}

const shutdownGrace = 5 * time.Second
