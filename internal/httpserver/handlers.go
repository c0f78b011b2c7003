package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/onexay/devpulse/internal/delivery"
	"github.com/onexay/devpulse/internal/jobs"
	"github.com/onexay/devpulse/internal/report"
	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/summarize"
)

const (
	dateLayout   = "2006-01-02"
	maxJobBodyMB = 1
)

type handlers struct {
	deps Deps
}

func (h *handlers) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// enqueue accepts a raw job payload and queues it under the path type.
// Payload validation happens in the worker.
func (h *handlers) enqueue(c *gin.Context) {
	t, err := jobs.ParseType(c.Param("type"))
	if err != nil {
		writeError(c, &storage.ValidationError{Message: err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxJobBodyMB<<20))
	if err != nil {
		writeError(c, &storage.ValidationError{Message: "read body: " + err.Error()})
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeError(c, &storage.ValidationError{Message: "body must be valid JSON"})
		return
	}

	env, err := h.deps.Queue.Enqueue(c.Request.Context(), t, json.RawMessage(body))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, env)
}

func (h *handlers) failedJobs(c *gin.Context) {
	entries, err := h.deps.Queue.Failed(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	failed := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		failed = append(failed, json.RawMessage(e))
	}
	c.JSON(http.StatusOK, gin.H{"failed": failed})
}

func (h *handlers) schedules(c *gin.Context) {
	if h.deps.Schedules == nil {
		c.JSON(http.StatusOK, gin.H{"schedules": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": h.deps.Schedules.Entries()})
}

func (h *handlers) watermark(c *gin.Context) {
	wm, found, err := h.deps.Reports.Watermark(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"watermark": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watermark": wm})
}

func (h *handlers) preview(c *gin.Context) {
	job := jobs.ReportJob{
		Type:         c.DefaultQuery("type", string(report.Daily)),
		DateOverride: c.Query("date"),
	}
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, &storage.ValidationError{Message: "since must be RFC3339"})
			return
		}
		since = &t
	}

	r, text, err := h.deps.Reports.Preview(c.Request.Context(), job, since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r, "text": text})
}

// run generates a report synchronously, the same path a scheduled report job
// takes.
func (h *handlers) run(c *gin.Context) {
	var job jobs.ReportJob
	if err := c.ShouldBindJSON(&job); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, &storage.ValidationError{Message: "invalid request body: " + err.Error()})
		return
	}
	if job.Type == "" {
		job.Type = string(report.Daily)
	}

	out, err := h.deps.Reports.Generate(c.Request.Context(), job)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) listReports(c *gin.Context) {
	kind, ok := h.kind(c)
	if !ok {
		return
	}
	dates, err := h.deps.Archive.Dates(c.Request.Context(), kind)
	if err != nil {
		writeError(c, err)
		return
	}
	if dates == nil {
		dates = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "dates": dates})
}

func (h *handlers) archived(c *gin.Context) {
	kind, date, ok := h.kindAndDate(c)
	if !ok {
		return
	}
	rec, err := h.deps.Archive.Load(c.Request.Context(), kind, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) redeliver(c *gin.Context) {
	kind, date, ok := h.kindAndDate(c)
	if !ok {
		return
	}
	rec, err := h.deps.Reports.Redeliver(c.Request.Context(), kind, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// diff compares an archived report with another archived date of the same
// kind.
func (h *handlers) diff(c *gin.Context) {
	kind, date, ok := h.kindAndDate(c)
	if !ok {
		return
	}
	against := c.Query("against")
	if _, err := time.Parse(dateLayout, against); err != nil {
		writeError(c, &storage.ValidationError{Message: "against must be YYYY-MM-DD"})
		return
	}

	ctx := c.Request.Context()
	from, err := h.deps.Archive.Load(ctx, kind, against)
	if err != nil {
		writeError(c, err)
		return
	}
	to, err := h.deps.Archive.Load(ctx, kind, date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from": against,
		"to":   date,
		"diff": report.Diff(from.Text, to.Text, against, date),
	})
}

func (h *handlers) kind(c *gin.Context) (report.Kind, bool) {
	kind, err := report.ParseKind(c.DefaultQuery("type", string(report.Daily)))
	if err != nil {
		writeError(c, &storage.ValidationError{Message: err.Error()})
		return "", false
	}
	return kind, true
}

func (h *handlers) kindAndDate(c *gin.Context) (report.Kind, string, bool) {
	kind, ok := h.kind(c)
	if !ok {
		return "", "", false
	}
	date := c.Param("date")
	if _, err := time.Parse(dateLayout, date); err != nil {
		writeError(c, &storage.ValidationError{Message: "date must be YYYY-MM-DD"})
		return "", "", false
	}
	return kind, date, true
}

type httpStatuser interface {
	HTTPStatus() int
}

func writeError(c *gin.Context, err error) {
	var (
		notFound   *storage.NotFoundError
		conflict   *storage.ConflictError
		validation *storage.ValidationError
		upstream   httpStatuser
		deliverTO  *delivery.TimeoutError
		summaryTO  *summarize.TimeoutError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &deliverTO),
		errors.As(err, &summaryTO),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &upstream):
		status = http.StatusBadGateway
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
