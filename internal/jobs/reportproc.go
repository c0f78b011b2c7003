package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/onexay/devpulse/internal/blocker"
	"github.com/onexay/devpulse/internal/delivery"
	"github.com/onexay/devpulse/internal/ledger"
	"github.com/onexay/devpulse/internal/report"
	"github.com/onexay/devpulse/internal/resolve"
	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/summarize"
)

const dateLayout = "2006-01-02"

// ReportOptions tune report assembly.
type ReportOptions struct {
	Thresholds       blocker.Thresholds
	StaleReviewDays  int
	DirectCommitsMax int
}

// ReportProcessor generates, archives and delivers reports. Only one
// generation runs at a time whoever triggers it.
type ReportProcessor struct {
	ledger     *ledger.Ledger
	resolver   *resolve.Resolver
	summarizer summarize.Service
	sink       delivery.Sink
	archive    *report.Archive
	logger     *zap.SugaredLogger
	opts       ReportOptions
	sem        *semaphore.Weighted
}

// NewReportProcessor wires the report pipeline. A nil archive disables
// archiving and redelivery.
func NewReportProcessor(
	l *ledger.Ledger,
	resolver *resolve.Resolver,
	summarizer summarize.Service,
	sink delivery.Sink,
	archive *report.Archive,
	logger *zap.SugaredLogger,
	opts ReportOptions,
) *ReportProcessor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Thresholds == (blocker.Thresholds{}) {
		opts.Thresholds = blocker.DefaultThresholds()
	}
	if opts.StaleReviewDays <= 0 {
		opts.StaleReviewDays = 3
	}
	return &ReportProcessor{
		ledger:     l,
		resolver:   resolver,
		summarizer: summarizer,
		sink:       sink,
		archive:    archive,
		logger:     logger,
		opts:       opts,
		sem:        semaphore.NewWeighted(1),
	}
}

// Outcome describes a finished report run.
type Outcome struct {
	Report report.Report `json:"report"`
	Text   string        `json:"text"`
	// Sent is false when the window held nothing worth delivering.
	Sent bool `json:"sent"`
	// Watermark is the value persisted by the run.
	Watermark time.Time `json:"watermark"`
}

// Register binds the report handler on d.
func (p *ReportProcessor) Register(d *Dispatcher) {
	d.Register(TypeReport, func(ctx context.Context, raw json.RawMessage) error {
		var job ReportJob
		if err := decodePayload(TypeReport, raw, &job); err != nil {
			return err
		}
		_, err := p.Generate(ctx, job)
		return err
	})
}

// Generate runs one report: resolve since the persisted watermark, assemble,
// archive, deliver and advance the watermark. The watermark advances even
// when there is nothing to send, and never when assembly fails.
func (p *ReportProcessor) Generate(ctx context.Context, job ReportJob) (Outcome, error) {
	kind, date, err := p.parseJob(job)
	if err != nil {
		return Outcome{}, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Outcome{}, err
	}
	defer p.sem.Release(1)

	previous, found, err := p.ledger.GetWatermark(ctx)
	if err != nil {
		return Outcome{}, err
	}
	since := p.sinceWatermark(date, previous, found)

	r, text, err := p.assemble(ctx, kind, date, since)
	if err != nil {
		return Outcome{}, err
	}

	watermark := r.Watermark
	if found && watermark.Before(previous) {
		watermark = previous
	}
	out := Outcome{Report: r, Text: text, Watermark: watermark}

	var deliverErr error
	if r.HasContent() {
		out.Sent = true
		if p.archive != nil {
			if err := p.archive.Save(ctx, p.record(r, text)); err != nil {
				return Outcome{}, err
			}
		}
		deliverErr = p.sink.Deliver(ctx, delivery.Message{Title: r.Title(), Text: text})
	}

	if err := p.ledger.SetWatermark(ctx, watermark); err != nil {
		return Outcome{}, fmt.Errorf("persist watermark: %w", err)
	}

	if deliverErr != nil {
		p.logger.Errorw("report delivery failed", "kind", kind, "date", date.Format(dateLayout), "error", deliverErr)
		return out, unrecoverable(fmt.Errorf("deliver %s report %s: %w", kind, date.Format(dateLayout), deliverErr))
	}
	if out.Sent && p.archive != nil {
		if err := p.archive.MarkDelivered(ctx, kind, date.Format(dateLayout)); err != nil {
			p.logger.Warnw("mark report delivered failed", "kind", kind, "date", date.Format(dateLayout), "error", err)
		}
	}

	p.logger.Infow("report generated",
		"kind", kind,
		"date", date.Format(dateLayout),
		"status", r.Status,
		"sent", out.Sent,
		"watermark", watermark,
	)
	return out, nil
}

// Preview assembles the report Generate would produce without delivering,
// archiving or moving the watermark. A nil since resolves from the persisted
// watermark.
func (p *ReportProcessor) Preview(ctx context.Context, job ReportJob, since *time.Time) (report.Report, string, error) {
	kind, date, err := p.parseJob(job)
	if err != nil {
		return report.Report{}, "", err
	}
	if since == nil {
		previous, found, err := p.ledger.GetWatermark(ctx)
		if err != nil {
			return report.Report{}, "", err
		}
		since = p.sinceWatermark(date, previous, found)
	}
	return p.assemble(ctx, kind, date, since)
}

// Redeliver sends an archived report again.
func (p *ReportProcessor) Redeliver(ctx context.Context, kind report.Kind, date string) (report.Record, error) {
	if p.archive == nil {
		return report.Record{}, &storage.NotFoundError{Resource: "report archive", Key: string(kind) + "/" + date}
	}
	rec, err := p.archive.Load(ctx, kind, date)
	if err != nil {
		return report.Record{}, err
	}
	if err := p.sink.Deliver(ctx, delivery.Message{Title: rec.Title, Text: rec.Text}); err != nil {
		return rec, err
	}
	if err := p.archive.MarkDelivered(ctx, kind, date); err != nil {
		return rec, err
	}
	rec.Delivered = true
	p.logger.Infow("report redelivered", "kind", kind, "date", date)
	return rec, nil
}

// Watermark returns the persisted watermark.
func (p *ReportProcessor) Watermark(ctx context.Context) (time.Time, bool, error) {
	return p.ledger.GetWatermark(ctx)
}

func (p *ReportProcessor) parseJob(job ReportJob) (report.Kind, time.Time, error) {
	kind, err := report.ParseKind(job.Type)
	if err != nil {
		return "", time.Time{}, &storage.ValidationError{Message: err.Error()}
	}
	loc := p.ledger.Location()
	if job.DateOverride == "" {
		return kind, p.ledger.Now().In(loc), nil
	}
	date, err := time.ParseInLocation(dateLayout, job.DateOverride, loc)
	if err != nil {
		return "", time.Time{}, &storage.ValidationError{Message: fmt.Sprintf("dateOverride %q must be YYYY-MM-DD", job.DateOverride)}
	}
	return kind, date, nil
}

// sinceWatermark is the lower bound of the next window. The persisted
// watermark is the last timestamp already reported, so the window starts just
// after it. Without one the window starts at midnight of date.
func (p *ReportProcessor) sinceWatermark(date, previous time.Time, found bool) *time.Time {
	if !found {
		y, m, d := date.In(p.ledger.Location()).Date()
		midnight := time.Date(y, m, d, 0, 0, 0, 0, p.ledger.Location())
		return &midnight
	}
	next := previous.Add(time.Nanosecond)
	return &next
}

func (p *ReportProcessor) assemble(ctx context.Context, kind report.Kind, date time.Time, since *time.Time) (report.Report, string, error) {
	result, err := p.resolver.Resolve(ctx, date, since)
	if err != nil {
		return report.Report{}, "", err
	}

	features := make(map[int]string, len(result.MergedPRs)+len(result.OpenPRs))
	for _, prs := range [][]resolve.ResolvedPR{result.MergedPRs, result.OpenPRs} {
		for _, pr := range prs {
			name, err := p.summarizer.NameFeature(ctx, featureRequest(pr))
			if err != nil {
				p.logger.Warnw("feature naming failed, using title", "pr", pr.Meta.Number, "error", err)
				continue
			}
			features[pr.Meta.Number] = name
		}
	}

	r := report.Build(kind, result, report.BuildOptions{
		Now:              p.ledger.Now(),
		Thresholds:       p.opts.Thresholds,
		StaleReviewDays:  p.opts.StaleReviewDays,
		Features:         features,
		DirectCommitsMax: p.opts.DirectCommitsMax,
	})

	if kind == report.Weekly && r.HasContent() {
		narrative, err := p.summarizer.Narrate(ctx, narrativeRequest(r))
		if err != nil {
			return report.Report{}, "", fmt.Errorf("weekly narrative: %w", err)
		}
		r.Narrative = narrative
	}
	return r, report.Render(r), nil
}

func (p *ReportProcessor) record(r report.Report, text string) report.Record {
	return report.Record{
		Kind:        r.Kind,
		Date:        r.Date.In(p.ledger.Location()).Format(dateLayout),
		Title:       r.Title(),
		Text:        text,
		Status:      string(r.Status),
		Watermark:   r.Watermark,
		GeneratedAt: r.GeneratedAt,
	}
}

func featureRequest(pr resolve.ResolvedPR) summarize.FeatureRequest {
	summaries := make([]string, 0, len(pr.Commits))
	for _, c := range pr.Commits {
		summaries = append(summaries, c.Summary)
	}
	return summarize.FeatureRequest{
		Repo:      pr.Meta.Repo,
		Number:    pr.Meta.Number,
		Title:     pr.Meta.Title,
		Summaries: summaries,
	}
}

func narrativeRequest(r report.Report) summarize.NarrativeRequest {
	req := summarize.NarrativeRequest{
		From:   r.Window.From,
		To:     r.Window.To,
		Status: string(r.Status),
	}
	for _, pr := range r.Merged {
		req.Merged = append(req.Merged, pr.Feature)
	}
	for _, pr := range r.Open {
		req.Open = append(req.Open, pr.Feature)
	}
	for _, g := range r.Groups {
		req.Blockers = append(req.Blockers, fmt.Sprintf("%s: %d blocked, oldest %s", g.User, len(g.Blockers), g.OldestAge))
	}
	return req
}
