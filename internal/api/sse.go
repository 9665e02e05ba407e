package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// sseWriter flushes server-sent event frames to the client one at a time.
// Write errors flip broken and silence further frames; the upstream body
// still drains so the account's stream is consumed cleanly.
type sseWriter struct {
	c      *gin.Context
	broken bool
}

func newSSEWriter(c *gin.Context) *sseWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	return &sseWriter{c: c}
}

func (w *sseWriter) WriteFrame(frame []byte) {
	if w.broken || len(frame) == 0 {
		return
	}
	if _, err := w.c.Writer.Write(frame); err != nil {
		w.broken = true
		return
	}
	w.c.Writer.Flush()
}

func (w *sseWriter) WriteFrames(frames [][]byte) {
	for _, frame := range frames {
		w.WriteFrame(frame)
	}
}
