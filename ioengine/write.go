package ioengine

import (
	"context"
	"time"
)

// Write drives op.Write to completion over op.Buffer. Symmetric to Read,
// except the primitive receives a plain sub-slice rather than a
// buffer+offset pair (spec.md §4.3: "no buffer offset — the primitive
// receives a sub-slice").
func Write(ctx context.Context, proto string, op WriteOp) (Result, error) {
	if err := validate(proto, op.Base, len(op.Buffer), op.Align); err != nil {
		return Result{}, err
	}

	total := len(op.Buffer)
	if total == 0 {
		return Result{}, nil
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
			remaining = time.Duration(float64(total-cursor)/speed) * time.Second
		}
		percent := 100 * float64(cursor) / float64(total)
		op.OnProgress(Progress{
			Percent:   percent,
			Cursor:    cursor,
			Total:     total,
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

	for cursor < total {
		if err := ctx.Err(); err != nil {
			return Result{Written: cursor, Cursor: cursor, Canceled: true, Errors: errCount}, nil
		}

		writeSize := pageSize
		if remaining := total - cursor; writeSize > remaining {
			writeSize = remaining
		}
		addr := op.Base + uint32(cursor)
		emit(cursor, errCount, addr, writeSize, false)

		n, err := op.Write(ctx, addr, op.Buffer[cursor:cursor+writeSize])
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
			return Result{Written: cursor, Cursor: cursor, Errors: errCount}, err
		}

		if op.Policy != nil && consecFailAtSize >= op.Policy.RetryCount {
			remaining := total - cursor
			if remaining > align {
				pageSize = shrink(pageSize, align, op.Policy.SmallPageSize)
			}
			consecFailAtSize = 0
		}
	}

	emit(cursor, errCount, op.Base+uint32(cursor), 0, true)
	return Result{Written: cursor, Cursor: cursor, Errors: errCount}, nil
}
