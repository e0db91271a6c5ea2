package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"papersorter/internal/core"
)

func embedServer(t *testing.T, dim int, handler func(w http.ResponseWriter, r *http.Request) bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler != nil && handler(w, r) {
			return
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := embedResponse{}
		for i := range req.Input {
			vec := make([]float32, dim)
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{i, vec})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestClientEmbed(t *testing.T) {
	var gotAuth string
	srv := embedServer(t, 4, func(w http.ResponseWriter, r *http.Request) bool {
		gotAuth = r.Header.Get("Authorization")
		return false
	})
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "text-embedding-3-large", 4)
	vectors, err := c.Embed(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vectors) != 2 || len(vectors[0]) != 4 {
		t.Errorf("got %d vectors of dim %d", len(vectors), len(vectors[0]))
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("authorization header = %q", gotAuth)
	}
}

func TestClientEmbedStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status %d", tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", "m", 4)
			_, err := c.Embed(context.Background(), []string{"x"})
			if err == nil {
				t.Fatal("expected error")
			}
			if core.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", core.IsTransient(err), tt.transient, err)
			}
		})
	}
}

func TestClientEmbedPartialResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0.1,0.2,0.3,0.4]}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 4)
	vectors, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vectors[0] != nil {
		t.Error("input the provider skipped should come back nil")
	}
	if len(vectors[1]) != 4 {
		t.Errorf("vector 1 = %v", vectors[1])
	}
}

func TestClientEmbedDimensionMismatch(t *testing.T) {
	srv := embedServer(t, 3, nil) // server returns dim 3
	defer srv.Close()

	c := NewClient(srv.URL, "", "m", 4) // client expects dim 4
	_, err := c.Embed(context.Background(), []string{"x"})
	if !errors.Is(err, core.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

type fakeEmbedStorage struct {
	pending []core.Article
	saved   []core.Embedding
}

func (f *fakeEmbedStorage) ArticlesMissingEmbedding(_ context.Context, limit int) ([]core.Article, error) {
	if limit > len(f.pending) {
		limit = len(f.pending)
	}
	return f.pending[:limit], nil
}

func (f *fakeEmbedStorage) SaveEmbeddings(_ context.Context, embeddings []core.Embedding) error {
	f.saved = append(f.saved, embeddings...)
	f.pending = f.pending[len(embeddings):]
	return nil
}

type fakeAPI struct {
	calls     int
	failWith  error // returned while calls <= failCalls
	failCalls int
}

func (f *fakeAPI) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failWith != nil && f.calls <= f.failCalls {
		return nil, f.failWith
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func TestEmbedderDrainsBacklogInBatches(t *testing.T) {
	storage := &fakeEmbedStorage{}
	for i := 1; i <= 5; i++ {
		storage.pending = append(storage.pending, core.Article{ID: int64(i), Title: fmt.Sprintf("p%d", i)})
	}
	api := &fakeAPI{}

	n, err := NewEmbedder(api, storage, 2, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 5 {
		t.Errorf("embedded %d, want 5", n)
	}
	if len(storage.saved) != 5 {
		t.Errorf("saved %d embeddings, want 5", len(storage.saved))
	}
	if api.calls != 3 {
		t.Errorf("expected 3 batches of size 2, got %d calls", api.calls)
	}
}

func TestEmbedderRetriesTransientFailure(t *testing.T) {
	storage := &fakeEmbedStorage{pending: []core.Article{{ID: 1, Title: "p"}}}
	api := &fakeAPI{failWith: core.Transient(errors.New("rate limited")), failCalls: 1}

	e := NewEmbedder(api, storage, 4, 0)
	e.retryInterval = time.Millisecond
	n, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 1 {
		t.Errorf("embedded %d, want 1", n)
	}
	if api.calls < 2 {
		t.Errorf("expected a retry, got %d calls", api.calls)
	}
}

func TestEmbedderStopsOnPermanentFailure(t *testing.T) {
	storage := &fakeEmbedStorage{pending: []core.Article{{ID: 1, Title: "p"}}}
	api := &fakeAPI{failWith: core.Permanent(errors.New("bad request")), failCalls: 1 << 30}

	_, err := NewEmbedder(api, storage, 4, 0).Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !core.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if len(storage.saved) != 0 {
		t.Errorf("nothing should be saved, got %d", len(storage.saved))
	}
}

func TestInputTextComposition(t *testing.T) {
	a := &core.Article{
		Title:   "A Result",
		Authors: []string{"Ada", "Grace"},
		Origin:  "arXiv cs.LG",
		Content: "We prove a result.",
	}
	got := InputText(a, 0)
	want := "A Result\nAda, Grace\narXiv cs.LG\n\nWe prove a result."
	if got != want {
		t.Errorf("InputText = %q, want %q", got, want)
	}
}

func TestInputTextTruncatesToBudget(t *testing.T) {
	a := &core.Article{Title: "Huge", Content: strings.Repeat("x", 1<<20)}
	got := InputText(a, 8000)
	if n := len([]rune(got)); n != 8000 {
		t.Errorf("truncated length = %d, want 8000", n)
	}
	if !strings.HasPrefix(got, "Huge\n\nxxx") {
		t.Errorf("truncation lost the head of the text: %q", got[:12])
	}
	if full := InputText(a, 0); len([]rune(full)) <= 8000 {
		t.Error("limit 0 should leave the text untruncated")
	}
}

// partialAPI answers every input except the last one.
type partialAPI struct {
	calls int
}

func (p *partialAPI) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	out := make([][]float32, len(texts))
	for i := 0; i < len(texts)-1; i++ {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func TestEmbedderPersistsPartialBatch(t *testing.T) {
	storage := &fakeEmbedStorage{pending: []core.Article{
		{ID: 1, Title: "p1"},
		{ID: 2, Title: "p2"},
		{ID: 3, Title: "p3"},
	}}
	api := &partialAPI{}

	n, err := NewEmbedder(api, storage, 3, 0).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 2 {
		t.Errorf("embedded %d, want 2", n)
	}
	if len(storage.saved) != 2 || storage.saved[0].ArticleID != 1 || storage.saved[1].ArticleID != 2 {
		t.Errorf("saved = %+v", storage.saved)
	}
	// The article the provider skipped stays queued for the next run.
	if len(storage.pending) != 1 || storage.pending[0].ID != 3 {
		t.Errorf("pending = %+v", storage.pending)
	}
}

func TestEmbedderDefersBatchAfterRetryExhaustion(t *testing.T) {
	storage := &fakeEmbedStorage{pending: []core.Article{{ID: 1, Title: "p"}}}
	api := &fakeAPI{failWith: core.Transient(errors.New("rate limited")), failCalls: 1 << 30}

	e := NewEmbedder(api, storage, 4, 0)
	e.retryInterval = time.Millisecond
	n, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("an exhausted batch should be deferred, not fatal: %v", err)
	}
	if n != 0 || len(storage.saved) != 0 {
		t.Errorf("nothing should be stored, got n=%d saved=%d", n, len(storage.saved))
	}
	if api.calls != 5 {
		t.Errorf("expected the full retry budget of 5 calls, got %d", api.calls)
	}
}
