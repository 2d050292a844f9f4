package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/workforce/internal/dispatch"
	"github.com/zulandar/workforce/internal/task"
)

const heartbeatInterval = 15 * time.Second

// taskEvents streams a task's status as server-sent events. A "status" event
// is sent whenever the status, progress or step states change, and a final
// "done" event once the task is terminal.
func (h *handlers) taskEvents(c *gin.Context) {
	id := c.Param("id")
	st, err := h.engine.GetTaskStatus(id)
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	last := fingerprint(st)
	writeSSE(c.Writer, "status", st)
	c.Writer.Flush()
	if task.IsTerminal(st.Status) {
		writeSSE(c.Writer, "done", map[string]string{"id": id, "status": st.Status})
		c.Writer.Flush()
		return
	}

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.interval)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			st, err := h.engine.GetTaskStatus(id)
			if err != nil {
				h.log.Warn("task event stream", "task", id, "error", err)
				return
			}
			if fp := fingerprint(st); fp != last {
				last = fp
				writeSSE(c.Writer, "status", st)
				c.Writer.Flush()
			}
			if task.IsTerminal(st.Status) {
				writeSSE(c.Writer, "done", map[string]string{"id": id, "status": st.Status})
				c.Writer.Flush()
				return
			}
		}
	}
}

// fingerprint summarises the parts of a status worth announcing.
func fingerprint(st *dispatch.TaskStatus) string {
	fp := fmt.Sprintf("%s/%d/%d", st.Status, st.Progress, len(st.Steps))
	for _, s := range st.Steps {
		fp += "/" + s.Status
	}
	return fp
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
