package middleware

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"visco/internal/logs"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) { w.status = code; w.ResponseWriter.WriteHeader(code) }
func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// quiet — пути, которые дёргают пробы и скрейпер; логируем на debug.
var quiet = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

func LoggerMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		e := logs.With(logrus.Fields{
			"reqid":  GetRequestID(r),
			"method": r.Method,
			"path":   r.URL.Path,
			"status": sw.status,
			"bytes":  sw.bytes,
			"dur":    time.Since(start).String(),
			"ip":     r.RemoteAddr,
		})
		switch {
		case sw.status >= http.StatusInternalServerError:
			e.Warn("http request")
		case quiet[r.URL.Path]:
			e.Debug("http request")
		default:
			e.Info("http request")
		}
	})
}
