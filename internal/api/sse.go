package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/windsim/simrunner/internal/model"

	"github.com/gin-gonic/gin"
)

// stream serves the events of one job as Server-Sent Events. The stored
// history of the current run after the requested sequence is replayed
// first, then live events follow. Events already sent are skipped by run
// and sequence number.
func (h *handler) stream(c *gin.Context) {
	id := c.Param("caseId")
	if err := model.ValidateJobID(id); err != nil {
		respondErr(c, err)
		return
	}
	after, ok := afterParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// subscribe before reading the history so nothing falls in between
	b := h.jobs.Broadcaster()
	sub := b.Subscribe(id)
	defer b.Unsubscribe(sub)
	slog.DebugContext(ctx, "stream subscribed", "job_id", id, "subscription", sub.ID.String())

	job, err := h.jobs.Job(ctx, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	history, err := h.jobs.History(ctx, id, after)
	if err != nil {
		respondErr(c, err)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	lastRun, lastSeq := job.Run, after
	send := func(ev model.Event) bool {
		if ev.Run != 0 {
			if ev.Run < lastRun || (ev.Run == lastRun && ev.Seq <= lastSeq) {
				return true
			}
			lastRun, lastSeq = ev.Run, ev.Seq
		}
		if err := writeEvent(w, ev); err != nil {
			slog.DebugContext(ctx, "stream closed", "job_id", id, "error", err)
			return false
		}
		w.Flush()
		return true
	}
	for _, ev := range history {
		if !send(ev) {
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			w.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !send(ev) {
				return
			}
		}
	}
}

func writeEvent(w gin.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}
