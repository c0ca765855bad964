package ioengine

import (
	"context"
	"time"
)

// Read drives op.Read to completion, returning every byte read. On
// cancellation (ctx done) or unrecoverable failure, Result.Buffer is
// truncated to Result.Cursor bytes and Result.Canceled/err reflect why.
func Read(ctx context.Context, proto string, op ReadOp) (Result, error) {
	if err := validate(proto, op.Base, op.Total, op.Align); err != nil {
		return Result{}, err
	}

	out := make([]byte, op.Total)
	if op.Total == 0 {
		return Result{Buffer: out}, nil
	}

	align := op.Align
	if align <= 0 {
		align = 1
	}
	pageSize := initialPageSize(op.PageSize, op.MaxChunk, align)

	tracker := newSpeedTracker(nowFunc())
	progressInterval := op.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = time.Second
	}
	lastProgress := time.Time{}

	emit := func(cursor int, errCount int, pageAddr uint32, pageLen int, force bool) {
		if op.OnProgress == nil {
			return
		}
		now := nowFunc()
		if !force && !lastProgress.IsZero() && now.Sub(lastProgress) < progressInterval {
			return
		}
		lastProgress = now
		speed := tracker.sample(now, cursor)
		var remaining time.Duration
		if speed > 0 {
			remaining = time.Duration(float64(op.Total-cursor)/speed) * time.Second
		}
		percent := 0.0
		if op.Total > 0 {
			percent = 100 * float64(cursor) / float64(op.Total)
		}
		op.OnProgress(Progress{
			Percent:   percent,
			Cursor:    cursor,
			Total:     op.Total,
			SpeedBps:  speed,
			Remaining: remaining,
			Elapsed:   now.Sub(tracker.start),
			Errors:    errCount,
			PageAddr:  pageAddr,
			PageSize:  pageLen,
		})
	}

	cursor := 0
	errCount := 0
	consecFailAtSize := 0
	retriesUsed := 0
	emit(0, 0, op.Base, pageSize, true)

	for cursor < op.Total {
		if err := ctx.Err(); err != nil {
			return Result{Buffer: out[:cursor], Cursor: cursor, Canceled: true, Errors: errCount}, nil
		}

		readSize := pageSize
		if remaining := op.Total - cursor; readSize > remaining {
			readSize = remaining
		}
		addr := op.Base + uint32(cursor)
		emit(cursor, errCount, addr, readSize, false)

		n, err := op.Read(ctx, addr, readSize, out, cursor)
		if err == nil {
			cursor += n
			consecFailAtSize = 0
			retriesUsed = 0
			continue
		}

		errCount++
		consecFailAtSize++
		retriesUsed++
		if op.OnError != nil {
			op.OnError(err)
		}

		if op.RetryBudget > 0 && retriesUsed >= op.RetryBudget {
			return Result{Buffer: out[:cursor], Cursor: cursor, Errors: errCount}, err
		}

		if op.Policy != nil && consecFailAtSize >= op.Policy.RetryCount {
			remaining := op.Total - cursor
			if remaining > align {
				pageSize = shrink(pageSize, align, op.Policy.SmallPageSize)
			}
			consecFailAtSize = 0
		}
	}

	emit(cursor, errCount, op.Base+uint32(cursor), 0, true)
	return Result{Buffer: out, Cursor: cursor, Errors: errCount}, nil
}
