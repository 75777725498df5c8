package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// UnmatchedRoute labels requests no route claimed.
const UnmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.statusCode = http.StatusOK
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

// Middleware records request count and latency per route pattern. It must
// run inside a chi router so the matched pattern is known.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		defer func() {
			status := recorder.statusCode
			if rec := recover(); rec != nil {
				status = http.StatusInternalServerError
				if !recorder.written {
					recorder.WriteHeader(status)
				}
			}
			RecordRequest(r.Method, routeLabel(r), strconv.Itoa(status), time.Since(start).Seconds())
		}()

		next.ServeHTTP(recorder, r)
	})
}

// routeLabel is the chi pattern that served r, such as /sign/{token}. The
// raw path is never used so arbitrary URLs cannot mint new series.
func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return UnmatchedRoute
}
