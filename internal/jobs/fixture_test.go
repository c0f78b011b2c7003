package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/onexay/devpulse/internal/delivery"
	"github.com/onexay/devpulse/internal/ledger"
	"github.com/onexay/devpulse/internal/report"
	"github.com/onexay/devpulse/internal/resolve"
	"github.com/onexay/devpulse/internal/storage"
	"github.com/onexay/devpulse/internal/summarize"
	"github.com/onexay/devpulse/internal/types"
)

var friday = time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// stubSummarizer answers like the heuristic summarizer unless an error is
// injected for an operation.
type stubSummarizer struct {
	*summarize.Heuristic

	mu           sync.Mutex
	translateErr error
	featureErr   error
	narrateErr   error
	classifyErr  error
	featureDelay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newStubSummarizer() *stubSummarizer {
	return &stubSummarizer{Heuristic: summarize.NewHeuristic()}
}

func (s *stubSummarizer) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "translate":
		s.translateErr = err
	case "feature":
		s.featureErr = err
	case "narrate":
		s.narrateErr = err
	case "classify":
		s.classifyErr = err
	}
}

func (s *stubSummarizer) err(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch op {
	case "translate":
		return s.translateErr
	case "feature":
		return s.featureErr
	case "narrate":
		return s.narrateErr
	case "classify":
		return s.classifyErr
	}
	return nil
}

func (s *stubSummarizer) TranslateCommit(ctx context.Context, req summarize.CommitRequest) (summarize.Translation, error) {
	if err := s.err("translate"); err != nil {
		return summarize.Translation{}, err
	}
	return s.Heuristic.TranslateCommit(ctx, req)
}

func (s *stubSummarizer) NameFeature(ctx context.Context, req summarize.FeatureRequest) (string, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if n <= peak || s.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.featureDelay > 0 {
		time.Sleep(s.featureDelay)
	}
	if err := s.err("feature"); err != nil {
		return "", err
	}
	return s.Heuristic.NameFeature(ctx, req)
}

func (s *stubSummarizer) Narrate(ctx context.Context, req summarize.NarrativeRequest) (string, error) {
	if err := s.err("narrate"); err != nil {
		return "", err
	}
	return s.Heuristic.Narrate(ctx, req)
}

func (s *stubSummarizer) ClassifyComment(ctx context.Context, req summarize.CommentRequest) (summarize.Classification, error) {
	if err := s.err("classify"); err != nil {
		return summarize.Classification{}, err
	}
	return s.Heuristic.ClassifyComment(ctx, req)
}

type recordingSink struct {
	mu       sync.Mutex
	messages []delivery.Message
	err      error
}

func (s *recordingSink) Deliver(_ context.Context, msg delivery.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSink) sent() []delivery.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]delivery.Message(nil), s.messages...)
}

type harness struct {
	clock      *testClock
	kv         storage.KV
	ledger     *ledger.Ledger
	summarizer *stubSummarizer
	sink       *recordingSink
	archive    *report.Archive
	ingest     *Ingest
	reports    *ReportProcessor
}

func newHarness(t *testing.T, logger *zap.SugaredLogger) *harness {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	clock := &testClock{now: friday}
	kv := storage.NewMemoryKV(storage.Options{Clock: clock.Now})
	t.Cleanup(func() { _ = kv.Close() })
	l := ledger.New(kv, ledger.Options{Clock: clock.Now})
	summarizer := newStubSummarizer()
	sink := &recordingSink{}
	archive := report.NewArchive(storage.NewMemoryArchive())
	resolver := resolve.New(l, resolve.Options{DefaultBranch: "main", Logger: logger})

	return &harness{
		clock:      clock,
		kv:         kv,
		ledger:     l,
		summarizer: summarizer,
		sink:       sink,
		archive:    archive,
		ingest: NewIngest(l, summarizer, logger, IngestOptions{
			Clock:          clock.Now,
			MaxClockSkew:   5 * time.Minute,
			LabelBlocklist: []string{"blocked", "do-not-merge"},
		}),
		reports: NewReportProcessor(l, resolver, summarizer, sink, archive, logger, ReportOptions{}),
	}
}

func (h *harness) digest(t *testing.T, job DigestJob) {
	t.Helper()
	require.NoError(t, h.ingest.Digest(context.Background(), job))
}

func (h *harness) event(t *testing.T, job PREventJob) {
	t.Helper()
	require.NoError(t, h.ingest.PREvent(context.Background(), job))
}

func (h *harness) blockers(t *testing.T, number int) map[string]types.PRBlockerEntry {
	t.Helper()
	list, err := h.ledger.Blockers(context.Background(), number)
	require.NoError(t, err)
	out := make(map[string]types.PRBlockerEntry, len(list))
	for _, b := range list {
		out[b.Key] = b.Entry
	}
	return out
}

func prNumber(n int) *int { return &n }

var errFlaky = errors.New("connection reset by peer")
