package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"sync"
	"testing"
	"time"

	"medscan/internal/blob"
	"medscan/internal/config"
	"medscan/internal/models"
	"medscan/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	seq      int
	analyses map[string]models.Analysis
}

func newFakeStore() *fakeStore {
	return &fakeStore{analyses: make(map[string]models.Analysis)}
}

func (f *fakeStore) CreateAnalysis(_ context.Context, p store.CreateAnalysisParams) (models.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	now := time.Now().UTC().Add(time.Duration(f.seq) * time.Millisecond)
	a := models.Analysis{
		ID:           fmt.Sprintf("a-%d", f.seq),
		OwnerID:      p.OwnerID,
		ArtifactRef:  p.ArtifactRef,
		ThumbnailRef: p.ThumbnailRef,
		OriginalName: p.OriginalName,
		MimeType:     p.MimeType,
		SizeBytes:    p.SizeBytes,
		Route:        p.Route,
		Status:       models.StatusSubmitted,
		StageTrace:   []models.StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.analyses[a.ID] = a
	return a, nil
}

func (f *fakeStore) GetAnalysisForOwner(_ context.Context, id, ownerID string) (models.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.analyses[id]
	if !ok || a.OwnerID != ownerID {
		return models.Analysis{}, models.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ListAnalyses(_ context.Context, ownerID string, page, pageSize int) ([]models.Summary, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owned := make([]models.Analysis, 0)
	for _, a := range f.analyses {
		if a.OwnerID == ownerID {
			owned = append(owned, a)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt.After(owned[j].CreatedAt) })

	total := int64(len(owned))
	start := (page - 1) * pageSize
	if start > len(owned) {
		start = len(owned)
	}
	end := start + pageSize
	if end > len(owned) {
		end = len(owned)
	}
	items := make([]models.Summary, 0, end-start)
	for _, a := range owned[start:end] {
		items = append(items, models.Summary{
			ID: a.ID, OriginalName: a.OriginalName, MimeType: a.MimeType,
			SizeBytes: a.SizeBytes, Route: a.Route, Status: a.Status,
			CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
		})
	}
	return items, total, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	failed   []string
}

func (f *fakeQueue) Enqueue(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, id)
	return nil
}

func (f *fakeQueue) FailedPeek(context.Context, int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed, nil
}

type fakeLimiter struct{ allowed bool }

func (f *fakeLimiter) Allow(context.Context, string) (bool, float64, error) {
	return f.allowed, 0, nil
}

type failingBlobs struct{}

func (failingBlobs) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}
func (failingBlobs) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket unavailable")
}

func newTestServer(t *testing.T, st AnalysisStore, q Queue, blobs blob.Store, limiter Limiter) *httptest.Server {
	t.Helper()
	if blobs == nil {
		blobs = blob.NewLocalStore(t.TempDir())
	}
	cfg := config.Config{MaxUploadBytes: 1 << 20, ThumbnailWidth: 32}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(cfg, log, st, q, blobs, limiter).Router())
	t.Cleanup(srv.Close)
	return srv
}

func multipartUpload(t *testing.T, url, owner, filename, contentType string, body []byte) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(body); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, url+"/api/analyses", buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, url, owner string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestSubmit_CreatesSubmittedAnalysis(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	srv := newTestServer(t, st, q, nil, nil)

	resp := multipartUpload(t, srv.URL, "owner-1", "scan.png", "image/png", []byte("not-a-real-png"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var submitted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if submitted.ID == "" || submitted.Status != models.StatusSubmitted {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != submitted.ID {
		t.Fatalf("analysis not scheduled: %v", q.enqueued)
	}

	// Polling immediately after submit observes submitted state with an
	// empty trace and no result.
	var fetched models.Analysis
	code := getJSON(t, srv.URL+"/api/analyses/"+submitted.ID, "owner-1", &fetched)
	if code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if fetched.Status != models.StatusSubmitted || len(fetched.StageTrace) != 0 || fetched.FinalResult != nil {
		t.Fatalf("fresh analysis in unexpected state: %+v", fetched)
	}
	if fetched.Route != models.RouteImage {
		t.Fatalf("route = %q, want image", fetched.Route)
	}
}

func TestSubmit_SignalRoute(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	srv := newTestServer(t, st, q, nil, nil)

	resp := multipartUpload(t, srv.URL, "owner-1", "eeg.csv", "text/csv", []byte("f1,f2\n1,2\n"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, a := range st.analyses {
		if a.Route != models.RouteSignal {
			t.Fatalf("route = %q, want signal", a.Route)
		}
	}
}

func TestSubmit_Validation(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	srv := newTestServer(t, st, q, nil, nil)

	cases := []struct {
		name        string
		owner       string
		filename    string
		contentType string
		body        []byte
		wantCode    int
	}{
		{"empty file", "owner-1", "scan.png", "image/png", nil, http.StatusBadRequest},
		{"unsupported extension", "owner-1", "notes.txt", "text/plain", []byte("hi"), http.StatusBadRequest},
		{"missing owner", "", "scan.png", "image/png", []byte("x"), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := multipartUpload(t, srv.URL, tc.owner, tc.filename, tc.contentType, tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantCode)
			}
		})
	}

	if len(st.analyses) != 0 {
		t.Fatalf("rejected submissions must not create records, got %d", len(st.analyses))
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("rejected submissions must not be scheduled: %v", q.enqueued)
	}
}

func TestSubmit_StorageFailure(t *testing.T) {
	st := newFakeStore()
	q := &fakeQueue{}
	srv := newTestServer(t, st, q, failingBlobs{}, nil)

	resp := multipartUpload(t, srv.URL, "owner-1", "scan.png", "image/png", []byte("x"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if len(st.analyses) != 0 {
		t.Fatal("storage failure must be all-or-nothing; no record may exist")
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(t, st, &fakeQueue{}, nil, &fakeLimiter{allowed: false})

	resp := multipartUpload(t, srv.URL, "owner-1", "scan.png", "image/png", []byte("x"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if len(st.analyses) != 0 {
		t.Fatal("rate-limited submission must not create a record")
	}
}

func TestGet_OwnerScoping(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(t, st, &fakeQueue{}, nil, nil)

	a, err := st.CreateAnalysis(context.Background(), store.CreateAnalysisParams{
		OwnerID: "owner-1", ArtifactRef: "ref", OriginalName: "scan.png",
		MimeType: "image/png", SizeBytes: 3, Route: models.RouteImage,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if code := getJSON(t, srv.URL+"/api/analyses/"+a.ID, "owner-1", nil); code != http.StatusOK {
		t.Fatalf("owner get = %d, want 200", code)
	}

	var notFound map[string]string
	if code := getJSON(t, srv.URL+"/api/analyses/"+a.ID, "owner-2", &notFound); code != http.StatusNotFound {
		t.Fatalf("cross-owner get must be 404, got %d", code)
	}
	var missing map[string]string
	if code := getJSON(t, srv.URL+"/api/analyses/does-not-exist", "owner-2", &missing); code != http.StatusNotFound {
		t.Fatalf("missing get must be 404, got %d", code)
	}
	// The two 404s must be indistinguishable.
	if notFound["error"] != missing["error"] {
		t.Fatalf("cross-owner and missing responses differ: %q vs %q", notFound["error"], missing["error"])
	}
}

func TestList_Pagination(t *testing.T) {
	st := newFakeStore()
	srv := newTestServer(t, st, &fakeQueue{}, nil, nil)

	for i := 0; i < 3; i++ {
		if _, err := st.CreateAnalysis(context.Background(), store.CreateAnalysisParams{
			OwnerID: "owner-1", ArtifactRef: "ref", OriginalName: fmt.Sprintf("scan-%d.png", i),
			MimeType: "image/png", SizeBytes: 3, Route: models.RouteImage,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := st.CreateAnalysis(context.Background(), store.CreateAnalysisParams{
		OwnerID: "owner-2", ArtifactRef: "ref", OriginalName: "other.png",
		MimeType: "image/png", SizeBytes: 3, Route: models.RouteImage,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var page listResponse
	if code := getJSON(t, srv.URL+"/api/analyses?page=1&page_size=2", "owner-1", &page); code != http.StatusOK {
		t.Fatalf("list = %d", code)
	}
	if len(page.Items) != 2 || page.Total != 3 || page.TotalPages != 2 {
		t.Fatalf("unexpected page: items=%d total=%d pages=%d", len(page.Items), page.Total, page.TotalPages)
	}
	// Newest first.
	if page.Items[0].OriginalName != "scan-2.png" {
		t.Fatalf("expected newest first, got %q", page.Items[0].OriginalName)
	}

	var page2 listResponse
	if code := getJSON(t, srv.URL+"/api/analyses?page=2&page_size=2", "owner-1", &page2); code != http.StatusOK {
		t.Fatalf("list page 2 = %d", code)
	}
	if len(page2.Items) != 1 {
		t.Fatalf("expected 1 item on last page, got %d", len(page2.Items))
	}
}

func TestFailuresEndpoint(t *testing.T) {
	q := &fakeQueue{failed: []string{"a-9"}}
	srv := newTestServer(t, newFakeStore(), q, nil, nil)

	var out struct {
		Items []string `json:"items"`
	}
	if code := getJSON(t, srv.URL+"/api/failures", "", &out); code != http.StatusOK {
		t.Fatalf("failures = %d", code)
	}
	if len(out.Items) != 1 || out.Items[0] != "a-9" {
		t.Fatalf("unexpected failures: %v", out.Items)
	}
}
