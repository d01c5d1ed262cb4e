package middleware

import "net/http"

// StatusWriter wraps http.ResponseWriter to capture status code and size.
// It keeps streaming working: Flush is forwarded and Unwrap exposes the
// underlying writer to http.ResponseController.
type StatusWriter struct {
	http.ResponseWriter
	status  int
	size    int
	written bool
}

// NewStatusWriter wraps w. The status reads 200 until WriteHeader is called.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	if sw, ok := w.(*StatusWriter); ok {
		return sw
	}
	return &StatusWriter{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader captures the status code.
func (w *StatusWriter) WriteHeader(code int) {
	if !w.written && code >= http.StatusOK {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write captures the response size.
func (w *StatusWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (w *StatusWriter) Flush() {
	w.written = true
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the wrapped writer.
func (w *StatusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Status returns the final status code.
func (w *StatusWriter) Status() int {
	return w.status
}

// Size returns the number of body bytes written.
func (w *StatusWriter) Size() int {
	return w.size
}

// Written reports whether a final status has been committed.
func (w *StatusWriter) Written() bool {
	return w.written
}
