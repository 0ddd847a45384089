package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "freegamesbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] is the outermost middleware.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					req.logger(log).Error("panic recovered",
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

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)

			logger := req.logger(log)
			fields := []logx.Field{
				logx.String("cmd", req.Command),
				logx.Int("args", len(req.Args)),
				logx.Duration("dur", d),
			}
			switch {
			case err != nil:
				logger.Warn("command failed", append(fields, logx.Err(err))...)
			case d >= 750*time.Millisecond:
				logger.Info("command ok", fields...)
			default:
				logger.Debug("command ok", fields...)
			}
			return err
		}
	}
}
