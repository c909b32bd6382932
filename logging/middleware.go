package logging

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"github.com/dpup/oauthdispatch/errors"
)

const stackSize = 5

// Middleware returns an HTTP middleware that creates a logging scope per
// request, recovers panics, and writes one log line when the request
// completes. Handlers report failures with TrackError so the line carries the
// error details.
//
// The scope is always named "http". When a ServeMux below routes the request,
// the matched pattern is tracked as http.route.
func Middleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := With(r.Context(), logger.Named("http"))
			Track(ctx, "http.method", r.Method)
			Track(ctx, "http.path", r.URL.Path)
			req := r.WithContext(ctx)

			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if rec := recover(); rec != nil {
					Track(ctx, "error.panic", true)
					TrackError(ctx, errors.FromPanic(rec, 1))
					if !rw.wroteHeader {
						http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					}
					rw.status = http.StatusInternalServerError
				}
				if req.Pattern != "" {
					Track(ctx, "http.route", req.Pattern)
				}
				Track(ctx, "http.status", rw.status)
				Track(ctx, "http.duration", time.Since(start))

				l := FromContext(ctx)
				switch {
				case rw.status >= 500:
					l.Errorw("request failed")
				case rw.status >= 400:
					l.Warnw("request rejected")
				default:
					l.Infow("request handled")
				}
			}()

			next.ServeHTTP(rw, req)
		})
	}
}

// TrackError adds error fields to the request's logging scope.
func TrackError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	Track(ctx, "error", err.Error())
	Track(ctx, "error.type", reflect.TypeOf(err).String())
	Track(ctx, "error.http_status", errors.HTTPStatusCode(err))

	// Add a minimalist stack trace to the log.
	var e *errors.Error
	if errors.As(err, &e) {
		Track(ctx, "error.stack_trace", e.MinimalStack(0, stackSize))
		Track(ctx, "error.original_type", e.TypeName())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}
