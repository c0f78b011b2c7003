package summarize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", Token: "secret", Timeout: timeout}, srv.Client(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return c
}

func TestHTTPClientTranslate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/translate", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req CommitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "abc123", req.SHA)
		_ = json.NewEncoder(w).Encode(Translation{Summary: "Adds CSV export", Category: "feature", Significance: "minor"})
	}, time.Second)

	got, err := c.TranslateCommit(context.Background(), CommitRequest{Repo: "api", SHA: "abc123", Message: "feat: csv"})
	require.NoError(t, err)
	assert.Equal(t, "Adds CSV export", got.Summary)
	assert.Equal(t, "feature", got.Category)
}

func TestHTTPClientProviderError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}, time.Second)

	_, err := c.NameFeature(context.Background(), FeatureRequest{Repo: "api", Number: 1})
	var provider *ProviderError
	require.ErrorAs(t, err, &provider)
	assert.Equal(t, http.StatusTooManyRequests, provider.StatusCode)
	assert.Equal(t, "feature", provider.Op)
	assert.Equal(t, "slow down", provider.Body)
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	_, err := c.Narrate(context.Background(), NarrativeRequest{})
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "narrative", timeout.Op)
}

func TestHTTPClientCallerCancellationIsNotTimeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ClassifyComment(ctx, CommentRequest{Body: "x"})
	require.Error(t, err)
	var timeout *TimeoutError
	assert.NotErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClientRejectsUnknownAction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"action":"maybe"}`))
	}, time.Second)

	_, err := c.ClassifyComment(context.Background(), CommentRequest{Body: "x"})
	require.Error(t, err)
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{}, nil, nil)
	require.Error(t, err)
}

func TestHeuristicTranslate(t *testing.T) {
	h := NewHeuristic()
	tests := []struct {
		message string
		want    Translation
	}{
		{"feat(api): add csv export\n\nbody", Translation{Summary: "api: Add csv export", Category: "feature", Significance: "minor"}},
		{"fix!: drop legacy tokens", Translation{Summary: "Drop legacy tokens", Category: "bugfix", Significance: "major"}},
		{"docs: readme", Translation{Summary: "Readme", Category: "docs", Significance: "patch"}},
		{"Bump deps", Translation{Summary: "Bump deps", Category: "change", Significance: "patch"}},
		{"refactor: split store\n\nBREAKING CHANGE: new layout", Translation{Summary: "Split store", Category: "refactor", Significance: "major"}},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			got, err := h.TranslateCommit(context.Background(), CommitRequest{SHA: "abcdef0123", Message: tt.message})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	empty, err := h.TranslateCommit(context.Background(), CommitRequest{SHA: "abcdef0123"})
	require.NoError(t, err)
	assert.Equal(t, "update abcdef0", empty.Summary)
}

func TestHeuristicClassify(t *testing.T) {
	h := NewHeuristic()
	tests := map[string]CommentAction{
		"We are blocked on the infra ticket": ActionAddBlocker,
		"This is now unblocked, thanks":      ActionResolveBlocker,
		"LGTM":                               ActionResolveBlocker,
		"nice refactor":                      ActionNone,
	}
	for body, want := range tests {
		got, err := h.ClassifyComment(context.Background(), CommentRequest{Body: body})
		require.NoError(t, err)
		assert.Equal(t, want, got.Action, body)
	}
}

func TestHeuristicNarrateAndFeature(t *testing.T) {
	h := NewHeuristic()
	from := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	text, err := h.Narrate(context.Background(), NarrativeRequest{
		From: from, To: from.AddDate(0, 0, 4), Status: "yellow",
		Merged: []string{"a", "b"}, Open: []string{"c"}, Blockers: []string{"x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "From Mon Mar 3 to Fri Mar 7 the team shipped 2 pull requests with 1 pull request still in flight. 1 blocker needs attention. Overall status: yellow.", text)

	name, err := h.NameFeature(context.Background(), FeatureRequest{Title: "feat: bulk import"})
	require.NoError(t, err)
	assert.Equal(t, "Bulk import", name)

	name, err = h.NameFeature(context.Background(), FeatureRequest{Repo: "api", Number: 4})
	require.NoError(t, err)
	assert.Equal(t, "api #4", name)
}
