package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/JakeFAU/distributed-scraper/internal/metrics"
)

type waitFunc func(time.Duration) error

func blockingWait(d time.Duration) error {
	time.Sleep(d)
	return nil
}

func contextWait(ctx context.Context) waitFunc {
	return func(d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// Send writes v as one frame, retrying transient write failures with a
// fixed delay. It blocks the calling goroutine between attempts.
func Send(w io.Writer, v any, opts Options) error {
	return send(w, v, opts.normalize(), blockingWait)
}

// Receive reads one frame into v. A transient failure is retried only while
// no byte of the frame has been consumed.
func Receive(r io.Reader, v any, opts Options) error {
	return receive(r, v, opts.normalize(), blockingWait)
}

// SendContext is Send over a net.Conn whose deadline follows ctx. The
// backoff between attempts aborts when ctx is done.
func SendContext(ctx context.Context, conn net.Conn, v any, opts Options) error {
	stop := bindDeadline(ctx, conn)
	defer stop()
	return send(ctxWriter{ctx: ctx, conn: conn}, v, opts.normalize(), contextWait(ctx))
}

// ReceiveContext is Receive over a net.Conn whose deadline follows ctx.
func ReceiveContext(ctx context.Context, conn net.Conn, v any, opts Options) error {
	stop := bindDeadline(ctx, conn)
	defer stop()
	return receive(ctxReader{ctx: ctx, conn: conn}, v, opts.normalize(), contextWait(ctx))
}

// bindDeadline applies the ctx deadline to conn and expires it immediately
// on cancellation so blocked reads and writes return.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

type ctxWriter struct {
	ctx  context.Context
	conn net.Conn
}

func (w ctxWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := w.conn.Write(p)
	if err != nil && w.ctx.Err() != nil {
		return n, w.ctx.Err()
	}
	return n, err
}

type ctxReader struct {
	ctx  context.Context
	conn net.Conn
}

func (r ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := r.conn.Read(p)
	if err != nil && r.ctx.Err() != nil {
		return n, r.ctx.Err()
	}
	return n, err
}

func send(w io.Writer, v any, opts Options, wait waitFunc) error {
	frame, err := Encode(v, opts.MaxPayload)
	if err != nil {
		metrics.ObserveFrame("send", false)
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		n, err := w.Write(frame)
		if err == nil {
			metrics.ObserveFrame("send", true)
			return nil
		}
		lastErr = err
		// A partial write leaves the peer mid-frame; resending would corrupt the stream.
		if n > 0 || !isTransient(err) {
			break
		}
		if attempt == opts.Retries {
			lastErr = fmt.Errorf("after %d attempts: %w", opts.Retries, err)
			break
		}
		metrics.ObserveFrameRetry("send")
		if werr := wait(opts.Delay); werr != nil {
			lastErr = werr
			break
		}
	}
	metrics.ObserveFrame("send", false)
	return &NetworkError{Op: "send", Err: lastErr}
}

func receive(r io.Reader, v any, opts Options, wait waitFunc) error {
	var lastErr error
	for attempt := 1; attempt <= opts.Retries; attempt++ {
		payload, consumed, err := readFrame(r, opts.MaxPayload)
		if err == nil {
			if derr := Decode(payload, v); derr != nil {
				metrics.ObserveFrame("receive", false)
				return derr
			}
			metrics.ObserveFrame("receive", true)
			return nil
		}
		lastErr = err
		if consumed || !isTransient(err) || errors.Is(err, ErrShortHeader) {
			break
		}
		if attempt == opts.Retries {
			lastErr = fmt.Errorf("after %d attempts: %w", opts.Retries, err)
			break
		}
		metrics.ObserveFrameRetry("receive")
		if werr := wait(opts.Delay); werr != nil {
			lastErr = werr
			break
		}
	}
	metrics.ObserveFrame("receive", false)
	return &NetworkError{Op: "receive", Err: lastErr}
}
