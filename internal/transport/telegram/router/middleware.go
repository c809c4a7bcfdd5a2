package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"rollcall/internal/metrics"
	kit "rollcall/internal/transport"
	logx "rollcall/pkg/logx"
)

// Request is one inbound update being handled.
type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Command  string // command word, "reply" or "callback"
	Args     []string
	Text     string
	ReqID    string
	Logger   logx.Logger
}

func (req *Request) logger(fallback logx.Logger) logx.Logger {
	if req == nil || req.Logger.IsZero() {
		return fallback
	}
	return req.Logger
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is outermost.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// MWRecover turns a handler panic into an error.
func MWRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.logger(log).Error("handler panic",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

// MWObserve logs each handled update and counts it by command and result.
// Successful requests faster than slow log at debug.
func MWObserve(log logx.Logger, slow time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			result := "ok"
			if err != nil {
				result = "error"
			}
			metrics.UpdatesHandled.WithLabelValues(req.Command, result).Inc()

			l := req.logger(log).With(
				logx.String("kind", string(req.Update.Kind)),
				logx.Duration("dur", took),
			)
			switch {
			case err != nil:
				l.Warn("update failed", logx.Err(err))
			case took >= slow:
				l.Info("update handled")
			default:
				l.Debug("update handled")
			}
			return err
		}
	}
}
