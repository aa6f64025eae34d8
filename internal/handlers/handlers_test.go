package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/imagesrc"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/model"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/session"
)

type fakeModels struct {
	loading    bool
	classifier model.Classifier
}

func (f *fakeModels) Loading() bool { return f.loading }

func (f *fakeModels) Classifier() (model.Classifier, error) {
	if f.loading {
		return nil, model.ErrModelLoading
	}
	if f.classifier == nil {
		return nil, model.ErrModelNotLoaded
	}
	return f.classifier, nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, img image.Image) (model.Result, error) {
	return model.Result{
		{Label: "cat", Confidence: 0.92},
		{Label: "dog", Confidence: 0.05},
	}, nil
}

func (fakeClassifier) Predict(inputData []float32) (model.Result, error) {
	if len(inputData) != 2 {
		return nil, model.ErrInputSize
	}
	return model.Result{{Label: "cat", Confidence: inputData[0]}}, nil
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, raw string) (image.Image, string, error) {
	if strings.Contains(raw, "169.254.169.254") {
		return nil, "", imagesrc.ErrForbiddenAddress
	}
	if strings.HasSuffix(raw, ".png") {
		return image.NewRGBA(image.Rect(0, 0, 2, 2)), "png", nil
	}
	return nil, "", imagesrc.ErrUnsupportedFormat
}

func newTestServer(models *fakeModels) http.Handler {
	blobs := imagesrc.NewBlobStore()
	sessions := session.NewManager(session.Deps{
		Models: models,
		Prober: fakeProber{},
		Blobs:  blobs,
	}, 0)
	h := NewHandler(models, sessions, fakeProber{}, 1<<20)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return EnableCORS("*", mux)
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, filename string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := mw.CreateFormFile("image", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func do(t *testing.T, srv http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot %q: %v", rec.Body.String(), err)
	}
	return snap
}

func TestHealth(t *testing.T) {
	cases := []struct {
		models *fakeModels
		code   int
		status string
	}{
		{&fakeModels{loading: true}, http.StatusOK, "loading"},
		{&fakeModels{classifier: fakeClassifier{}}, http.StatusOK, "ready"},
		{&fakeModels{}, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tc := range cases {
		rec := do(t, newTestServer(tc.models), httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != tc.code || !strings.Contains(rec.Body.String(), tc.status) {
			t.Errorf("health = %d %s, want %d %s", rec.Code, rec.Body.String(), tc.code, tc.status)
		}
	}
}

func TestPage_Loading(t *testing.T) {
	srv := newTestServer(&fakeModels{loading: true})
	rec := do(t, srv, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Loading...") {
		t.Fatalf("page = %d %q", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "uploadFileInput") {
		t.Fatal("controls rendered while loading")
	}
}

func TestSessionFlow_FileUpload(t *testing.T) {
	srv := newTestServer(&fakeModels{classifier: fakeClassifier{}})

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d", rec.Code)
	}
	id := decodeSnapshot(t, rec)["id"].(string)

	body, contentType := multipartBody(t, "cat.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/file", body)
	req.Header.Set("Content-Type", contentType)
	rec = do(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("file = %d %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if snap["valid"] != true || snap["state"] != "ready" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/image", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("image = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/identify?wait=true", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("identify = %d %s", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap["state"] != "classified" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	req = httptest.NewRequest(http.MethodGet, "/sessions/"+id+"/results", nil)
	req.Header.Set("Accept", "text/html")
	rec = do(t, srv, req)
	if !strings.Contains(rec.Body.String(), "92.00%") || !strings.Contains(rec.Body.String(), "Best Guess") {
		t.Fatalf("results = %q", rec.Body.String())
	}

	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/cancel", nil))
	if snap := decodeSnapshot(t, rec); snap["valid"] != false || snap["state"] != "idle" {
		t.Fatalf("unexpected snapshot after cancel: %v", snap)
	}

	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/identify", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("identify without image = %d", rec.Code)
	}

	rec = do(t, srv, httptest.NewRequest(http.MethodDelete, "/sessions/"+id, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = do(t, srv, httptest.NewRequest(http.MethodGet, "/sessions/"+id, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted = %d", rec.Code)
	}
}

func TestSessionFlow_InvalidURL(t *testing.T) {
	srv := newTestServer(&fakeModels{classifier: fakeClassifier{}})
	id := decodeSnapshot(t, do(t, srv, httptest.NewRequest(http.MethodPost, "/sessions", nil)))["id"].(string)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/url?wait=true", strings.NewReader(`{"url":"https://example.com/page"}`))
	req.Header.Set("Content-Type", "application/json")
	snap := decodeSnapshot(t, do(t, srv, req))
	if snap["valid"] != false || snap["reference"] != "https://example.com/page" || snap["state"] != "invalid" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}
}

func TestIdentify_WhileLoading(t *testing.T) {
	srv := newTestServer(&fakeModels{loading: true})
	id := decodeSnapshot(t, do(t, srv, httptest.NewRequest(http.MethodPost, "/sessions", nil)))["id"].(string)

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/identify", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("identify while loading = %d", rec.Code)
	}
}

func TestPredictFromImage(t *testing.T) {
	srv := newTestServer(&fakeModels{classifier: fakeClassifier{}})

	body, contentType := multipartBody(t, "cat.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)
	rec := do(t, srv, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("predict = %d %s", rec.Code, rec.Body.String())
	}
	var resp model.PredictionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Class != "cat" || len(resp.Predictions) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	body, contentType = multipartBody(t, "", nil)
	req = httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(t, srv, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("predict without file = %d", rec.Code)
	}

	body, contentType = multipartBody(t, "notes.txt", []byte("hello"))
	req = httptest.NewRequest(http.MethodPost, "/predict/image", body)
	req.Header.Set("Content-Type", contentType)
	if rec := do(t, srv, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("predict with text file = %d", rec.Code)
	}
}

func TestPredictFromURL(t *testing.T) {
	srv := newTestServer(&fakeModels{classifier: fakeClassifier{}})

	req := httptest.NewRequest(http.MethodPost, "/predict/url", strings.NewReader(`{"url":"https://example.com/cat.png"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := do(t, srv, req); rec.Code != http.StatusOK {
		t.Fatalf("predict url = %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/predict/url", strings.NewReader(`{"url":"https://example.com/page"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := do(t, srv, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("predict bad url = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/predict/url", strings.NewReader(`{"url":"http://169.254.169.254/latest/meta-data/cat.png"}`))
	req.Header.Set("Content-Type", "application/json")
	if rec := do(t, srv, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("predict link-local url = %d", rec.Code)
	}
}

func TestPredictRaw(t *testing.T) {
	srv := newTestServer(&fakeModels{classifier: fakeClassifier{}})

	rec := do(t, srv, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":[0.5,0.1]}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("predict = %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, srv, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":[0.5]}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("predict wrong size = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(&fakeModels{})
	rec := do(t, srv, httptest.NewRequest(http.MethodOptions, "/predict/image", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}
}

func TestPage_FlowWithCookie(t *testing.T) {
	srv := newTestServer(&fakeModels{classifier: fakeClassifier{}})

	body, contentType := multipartBody(t, "cat.png", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/ui/file", body)
	req.Header.Set("Content-Type", contentType)
	rec := do(t, srv, req)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("ui file = %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookie {
		t.Fatalf("cookies = %v", cookies)
	}

	req = httptest.NewRequest(http.MethodPost, "/ui/identify", nil)
	req.AddCookie(cookies[0])
	if rec := do(t, srv, req); rec.Code != http.StatusSeeOther {
		t.Fatalf("ui identify = %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = do(t, srv, req)
	page := rec.Body.String()
	for _, want := range []string{"/sessions/", "/image", "Identify", "92.00%", "Best Guess", "5.00%"} {
		if !strings.Contains(page, want) {
			t.Fatalf("page missing %q:\n%s", want, page)
		}
	}

	req = httptest.NewRequest(http.MethodPost, "/ui/cancel", nil)
	req.AddCookie(cookies[0])
	do(t, srv, req)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	page = do(t, srv, req).Body.String()
	if strings.Contains(page, "Identify") || strings.Contains(page, "Best Guess") {
		t.Fatalf("page still shows selection after cancel:\n%s", page)
	}
}
