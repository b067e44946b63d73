package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/signpad/config"
	"github.com/georgepadayatti/signpad/journal"
	"github.com/georgepadayatti/signpad/pdf/document"
	"github.com/georgepadayatti/signpad/pdf/pdftest"
	"github.com/georgepadayatti/signpad/pdf/render"
)

func fakeRenderer(n int) render.Renderer {
	return render.Func(n, func(ctx context.Context, page int) (*image.RGBA, error) {
		return pdftest.PageImage(200, 300, pageTint(page)), nil
	})
}

func pageTint(page int) color.RGBA {
	return color.RGBA{uint8(30 * page), 90, 180, 255}
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	journal *journal.Journal
	clock   *clockwork.FakeClock
}

func newTestEnv(t *testing.T, r render.Renderer) *testEnv {
	t.Helper()
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := New(config.Default(), WithRenderer(r), WithJournal(j), WithClock(clock), WithLogger(logger))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		j.Close()
	})
	return &testEnv{srv: srv, ts: ts, journal: j, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) upload(t *testing.T, pages int) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/documents?name=contract.pdf", document.MIMEType, pdftest.Minimal(pages, 200, 300))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var st statusResponse
	decode(t, resp, &st)
	if st.ID == "" {
		t.Fatal("upload returned no session id")
	}
	if loc := resp.Header.Get("Location"); loc != "/documents/"+st.ID {
		t.Errorf("Location = %q", loc)
	}
	return st.ID
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var body errorBody
	decode(t, resp, &body)
	if body.Code != code || body.Error == "" {
		t.Errorf("error body = %+v, want code %s", body, code)
	}
}

func signatureURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pdftest.SignaturePNG(40))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	decode(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestUploadRejectsNonPDF(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	resp := env.do(t, http.MethodPost, "/documents?name=notes.txt", "text/plain", []byte("hello"))
	expectError(t, resp, http.StatusUnsupportedMediaType, CodeNotPDF)
	if n := env.srv.Registry().Len(); n != 0 {
		t.Errorf("registry holds %d sessions after rejection", n)
	}
}

func TestSigningFlow(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(2))
	id := env.upload(t, 2)
	base := "/documents/" + id

	resp := env.do(t, http.MethodGet, base+"/pages/2?wait=true", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("page status = %d, type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 200 || b.Dy() != 300 {
		t.Errorf("page image bounds = %v", b)
	}

	resp = env.do(t, http.MethodPost, base+"/placeholders", "application/json", []byte(`{"page":1,"x":20,"y":60}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("placeholder status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var ph struct {
		ID   string `json:"id"`
		Page int    `json:"page"`
	}
	decode(t, resp, &ph)
	if ph.ID == "" || ph.Page != 1 {
		t.Errorf("placeholder = %+v", ph)
	}

	resp = env.do(t, http.MethodPost, base+"/signing", "application/json", []byte(`{"open":true}`))
	var phase map[string]string
	decode(t, resp, &phase)
	if phase["phase"] != "signing" {
		t.Errorf("phase = %v", phase)
	}

	body, _ := json.Marshal(signatureRequest{Image: signatureURL()})
	resp = env.do(t, http.MethodPost, base+"/signatures", "application/json", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signature status = %d: %s", resp.StatusCode, readBody(t, resp))
	}

	// Second signature has no placeholder.
	resp = env.do(t, http.MethodPost, base+"/signatures", "application/json", body)
	expectError(t, resp, http.StatusConflict, CodeOutOfRange)

	resp = env.do(t, http.MethodGet, base+"/export", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename=download.pdf` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := document.Load("download.pdf", document.MIMEType, out)
	if err != nil {
		t.Fatalf("export is not a PDF: %v", err)
	}
	if doc.PageCount != 2 {
		t.Errorf("export has %d pages", doc.PageCount)
	}

	resp = env.do(t, http.MethodGet, base, "", nil)
	var st statusResponse
	decode(t, resp, &st)
	if st.State.Phase.String() != "exported" || st.State.Signatures != 1 || len(st.Placeholders) != 1 || !st.Placeholders[0].Bound {
		t.Errorf("status = %+v", st)
	}

	resp = env.do(t, http.MethodGet, base+"/events", "", nil)
	var events []journal.Entry
	decode(t, resp, &events)
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	want := strings.Join([]string{
		journal.KindLoaded, journal.KindReady, journal.KindPlaceholder,
		journal.KindSignatureBound, journal.KindSignatureRejected, journal.KindExported,
	}, ",")
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}

	resp = env.do(t, http.MethodDelete, base, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodGet, base, "", nil)
	expectError(t, resp, http.StatusNotFound, CodeNotFound)
}

func TestMultipartUpload(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "lease.pdf")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(pdftest.Minimal(1, 200, 300))
	mw.Close()

	resp := env.do(t, http.MethodPost, "/documents", mw.FormDataContentType(), buf.Bytes())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var st statusResponse
	decode(t, resp, &st)
	if st.Document == nil || st.Document.Name != "lease.pdf" || st.Document.Pages != 1 {
		t.Errorf("document = %+v", st.Document)
	}
}

func TestReplaceDocument(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(3))
	id := env.upload(t, 1)

	resp := env.do(t, http.MethodPut, "/documents/"+id+"?name=second.pdf", document.MIMEType, pdftest.Minimal(3, 200, 300))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replace status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var st statusResponse
	decode(t, resp, &st)
	if st.Document.Name != "second.pdf" || st.Document.Pages != 3 || st.State.Generation != 2 {
		t.Errorf("status after replace = %+v", st)
	}

	resp = env.do(t, http.MethodPut, "/documents/"+id, "image/png", pdftest.SignaturePNG(4))
	expectError(t, resp, http.StatusUnsupportedMediaType, CodeNotPDF)
}

func TestPageErrors(t *testing.T) {
	gate := make(chan struct{})
	r := render.Func(1, func(ctx context.Context, page int) (*image.RGBA, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return pdftest.PageImage(200, 300, pageTint(page)), nil
	})
	env := newTestEnv(t, r)
	id := env.upload(t, 1)
	base := "/documents/" + id

	expectError(t, env.do(t, http.MethodGet, base+"/pages/1", "", nil), http.StatusConflict, CodeNotReady)
	expectError(t, env.do(t, http.MethodGet, base+"/pages/x", "", nil), http.StatusBadRequest, CodeBadRequest)
	expectError(t, env.do(t, http.MethodPost, base+"/placeholders", "application/json", []byte(`{"page":1}`)),
		http.StatusConflict, CodeNotReady)

	close(gate)
	resp := env.do(t, http.MethodGet, base+"/pages/1?wait=1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	expectError(t, env.do(t, http.MethodGet, base+"/pages/5", "", nil), http.StatusNotFound, CodeNoPage)
}

func TestSignatureErrors(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	id := env.upload(t, 1)
	base := "/documents/" + id
	env.do(t, http.MethodGet, base+"/pages/1?wait=1", "", nil)

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
		code        string
	}{
		{"empty image", "application/json", `{"image":""}`, http.StatusBadRequest, CodeBadSignature},
		{"not an image", "application/json", `{"image":"data:text/plain,hello"}`, http.StatusUnsupportedMediaType, CodeBadSignature},
		{"bad json", "application/json", `{"image":`, http.StatusBadRequest, CodeBadRequest},
		{"unknown field", "application/json", `{"img":"x"}`, http.StatusBadRequest, CodeBadRequest},
		{"unknown placeholder", "application/json", `{"image":"` + signatureURL() + `","placeholder_id":"nope"}`, http.StatusNotFound, CodeNoPlaceholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, base+"/signatures", tt.contentType, []byte(tt.body))
			expectError(t, resp, tt.status, tt.code)
		})
	}
}

func TestRawSignatureForPlaceholder(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	id := env.upload(t, 1)
	base := "/documents/" + id
	env.do(t, http.MethodGet, base+"/pages/1?wait=1", "", nil)

	var first, second struct {
		ID string `json:"id"`
	}
	decode(t, env.do(t, http.MethodPost, base+"/placeholders", "application/json", []byte(`{"page":1,"x":0,"y":40}`)), &first)
	decode(t, env.do(t, http.MethodPost, base+"/placeholders", "application/json", []byte(`{"page":1,"x":0,"y":200}`)), &second)

	resp := env.do(t, http.MethodPost, base+"/signatures?placeholder_id="+second.ID, "image/png", pdftest.SignaturePNG(40))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var out struct {
		Placeholder struct {
			ID    string `json:"id"`
			Bound bool   `json:"bound"`
		} `json:"placeholder"`
	}
	decode(t, resp, &out)
	if out.Placeholder.ID != second.ID || !out.Placeholder.Bound {
		t.Errorf("bound placeholder = %+v", out.Placeholder)
	}
}

func TestSigningToggle(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	id := env.upload(t, 1)
	base := "/documents/" + id
	env.do(t, http.MethodGet, base+"/pages/1?wait=1", "", nil)

	for _, want := range []string{"signing", "ready"} {
		resp := env.do(t, http.MethodPost, base+"/signing", "", nil)
		var body map[string]string
		decode(t, resp, &body)
		if body["phase"] != want {
			t.Errorf("phase = %q, want %q", body["phase"], want)
		}
	}
	resp := env.do(t, http.MethodPost, base+"/signing", "application/json", []byte(`{"open":false}`))
	expectError(t, resp, http.StatusConflict, CodeInvalidState)
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	for _, path := range []string{"/documents/missing", "/documents/missing/export", "/documents/missing/events"} {
		expectError(t, env.do(t, http.MethodGet, path, "", nil), http.StatusNotFound, CodeNotFound)
	}
	expectError(t, env.do(t, http.MethodDelete, "/documents/missing", "", nil), http.StatusNotFound, CodeNotFound)
}

func TestRegistryReapsIdleSessions(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	id := env.upload(t, 1)

	env.clock.Advance(10 * time.Minute)
	if n := env.srv.Registry().Reap(); n != 0 {
		t.Fatalf("reaped %d active sessions", n)
	}
	env.clock.Advance(25 * time.Minute)
	if n := env.srv.Registry().Reap(); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
	expectError(t, env.do(t, http.MethodGet, "/documents/"+id, "", nil), http.StatusNotFound, CodeNotFound)
}

func TestRegistryReadsKeepSessionAlive(t *testing.T) {
	env := newTestEnv(t, fakeRenderer(1))
	id := env.upload(t, 1)
	base := "/documents/" + id

	for _, path := range []string{base, base + "/placeholders", base + "/events"} {
		env.clock.Advance(20 * time.Minute)
		if resp := env.do(t, http.MethodGet, path, "", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		if n := env.srv.Registry().Reap(); n != 0 {
			t.Fatalf("reaped %d sessions after reading %s", n, path)
		}
	}
	env.clock.Advance(31 * time.Minute)
	if n := env.srv.Registry().Reap(); n != 1 {
		t.Fatalf("reaped %d sessions, want 1", n)
	}
}

func TestRegistryLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxSessions = 1
	srv := New(cfg, WithRenderer(fakeRenderer(1)), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	post := func() *http.Response {
		resp, err := http.Post(ts.URL+"/documents", document.MIMEType, bytes.NewReader(pdftest.Minimal(1, 200, 300)))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	if resp := post(); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first upload status = %d", resp.StatusCode)
	}
	expectError(t, post(), http.StatusServiceUnavailable, CodeUnavailable)
}
