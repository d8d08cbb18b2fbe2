package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"insight/internal/observability"
	"insight/internal/server/ports"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// progress streams run progress events. With ?id= it follows one run and
// closes after the run's terminal event; an unknown id is refused with 404
// and a run that already finished gets its terminal event at once. Without
// ?id= every run is streamed until the client leaves. A disconnect only
// unsubscribes.
func (h *handler) progress(c *gin.Context) {
	// Subscribe before the lookup so a run finishing in between is still
	// seen, either in the snapshot or on the channel.
	jobID := c.Query("id")
	events, unsubscribe := h.coordinator.Broadcaster().Subscribe(jobID)
	defer unsubscribe()

	var finished *ports.ProgressEvent
	if jobID != "" {
		job, err := h.coordinator.Store().Get(c.Request.Context(), jobID)
		if err != nil {
			h.abortWithError(c, err)
			return
		}
		if job.Status.Terminal() {
			ev := finishedEvent(job)
			finished = &ev
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("progress upgrade from %s failed: %v", c.ClientIP(), err)
		return
	}
	defer conn.Close()

	if finished != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(finished); err == nil {
			closeFinished(conn)
		}
		return
	}

	var attrs []attribute.KeyValue
	if jobID != "" {
		attrs = observability.RunAttrs(jobID)
	}
	_, span := h.tracer.Start(c.Request.Context(), observability.SpanProgressWS, trace.WithAttributes(attrs...))
	sent := 0
	defer func() {
		span.SetAttributes(attribute.Int("ws.events_sent", sent))
		span.End()
	}()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("progress write to %s failed: %v", c.ClientIP(), err)
				return
			}
			sent++
			if jobID != "" && ev.Terminal() {
				closeFinished(conn)
				return
			}
		}
	}
}

func closeFinished(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(wsWriteWait))
}

// finishedEvent rebuilds the terminal event of a run that ended before the
// client connected.
func finishedEvent(job *ports.Job) ports.ProgressEvent {
	ev := ports.ProgressEvent{
		JobID:          job.ID,
		Status:         job.Status,
		PopulationSize: job.Size(),
		Error:          job.Error,
		Timestamp:      time.Now(),
	}
	if job.Status == ports.JobStatusCompleted {
		ev.Generation = job.Params.Generations
	}
	if job.Results != nil {
		ev.BestScore = job.Results.BestScore
	}
	if job.CompletedAt != nil {
		ev.Timestamp = *job.CompletedAt
	}
	return ev
}
