package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/imagesrc"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/model"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/render"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/session"
)

const (
	defaultMaxUpload = 10 << 20
	imageField       = "image"
)

type Models interface {
	Loading() bool
	Classifier() (model.Classifier, error)
}

type Prober interface {
	Probe(ctx context.Context, raw string) (image.Image, string, error)
}

// tensorPredictor is implemented by classifiers that accept raw tensors.
type tensorPredictor interface {
	Predict(inputData []float32) (model.Result, error)
}

type Handler struct {
	models    Models
	sessions  *session.Manager
	prober    Prober
	maxUpload int64
}

func NewHandler(models Models, sessions *session.Manager, prober Prober, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &Handler{
		models:    models,
		sessions:  sessions,
		prober:    prober,
		maxUpload: maxUpload,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)

	mux.HandleFunc("GET /{$}", h.Page)
	mux.HandleFunc("POST /ui/file", h.UIFile)
	mux.HandleFunc("POST /ui/url", h.UIURL)
	mux.HandleFunc("POST /ui/identify", h.UIIdentify)
	mux.HandleFunc("POST /ui/cancel", h.UICancel)

	mux.HandleFunc("POST /sessions", h.CreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.DeleteSession)
	mux.HandleFunc("POST /sessions/{id}/file", h.SelectFile)
	mux.HandleFunc("POST /sessions/{id}/url", h.EnterURL)
	mux.HandleFunc("POST /sessions/{id}/identify", h.Identify)
	mux.HandleFunc("POST /sessions/{id}/cancel", h.Cancel)
	mux.HandleFunc("GET /sessions/{id}/image", h.Image)
	mux.HandleFunc("GET /sessions/{id}/results", h.Results)

	mux.HandleFunc("POST /predict", h.Predict)
	mux.HandleFunc("POST /predict/image", h.PredictFromImage)
	mux.HandleFunc("POST /predict/url", h.PredictFromURL)
}

// EnableCORS answers preflight requests and sets the CORS headers on every
// response.
func EnableCORS(origin string, next http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	if h.models.Loading() {
		status = "loading"
	} else if _, err := h.models.Classifier(); err != nil {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create()
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SelectFile(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	files, err := h.readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.SelectFile(files))
}

type urlRequest struct {
	URL string `json:"url"`
}

func (h *Handler) EnterURL(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	raw, err := readURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task := s.EnterURL(context.WithoutCancel(r.Context()), raw)
	if wantsWait(r) {
		task.Wait(r.Context())
	}
	writeJSON(w, http.StatusAccepted, s.Snapshot())
}

func (h *Handler) Identify(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	task, err := s.Identify(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if wantsWait(r) {
		task.Wait(r.Context())
	}
	writeJSON(w, http.StatusAccepted, s.Snapshot())
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Cancel())
}

// Image serves the uploaded file currently previewed by the session.
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	f, err := s.Image()
	if err != nil {
		writeError(w, err)
		return
	}
	contentType := f.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(f.Data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Write(f.Data)
}

func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	s, ok := h.lookup(w, r)
	if !ok {
		return
	}
	snap := s.Snapshot()

	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		writeJSON(w, http.StatusOK, model.NewPredictionResponse(snap.Results))
		return
	}

	fragment, err := render.HTML(snap.Results)
	if err != nil {
		log.Printf("Render error: %v", err)
		http.Error(w, "Failed to render results", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, fragment)
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	classifier, err := h.models.Classifier()
	if err != nil {
		writeError(w, err)
		return
	}
	predictor, ok := classifier.(tensorPredictor)
	if !ok {
		http.Error(w, "Raw tensor input not supported by this model", http.StatusNotImplemented)
		return
	}

	var req model.PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := predictor.Predict(req.Image)
	if err != nil {
		if errors.Is(err, model.ErrInputSize) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, model.NewPredictionResponse(result))
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	classifier, err := h.models.Classifier()
	if err != nil {
		writeError(w, err)
		return
	}

	files, err := h.readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(files) == 0 {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}

	log.Printf("Received file: %s, size: %d bytes", files[0].Name, len(files[0].Data))

	img, format, err := imagesrc.DecodeFile(files[0])
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP", http.StatusBadRequest)
		return
	}

	log.Printf("Image format: %s, dimensions: %dx%d", format, img.Bounds().Dx(), img.Bounds().Dy())
	h.classify(w, r, classifier, img)
}

func (h *Handler) PredictFromURL(w http.ResponseWriter, r *http.Request) {
	classifier, err := h.models.Classifier()
	if err != nil {
		writeError(w, err)
		return
	}

	raw, err := readURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	img, _, err := h.prober.Probe(r.Context(), raw)
	if err != nil {
		log.Printf("Probe %s failed: %v", raw, err)
		if session.IsInputError(err) {
			writeError(w, err)
			return
		}
		http.Error(w, "Failed to fetch image", http.StatusBadGateway)
		return
	}
	h.classify(w, r, classifier, img)
}

func (h *Handler) classify(w http.ResponseWriter, r *http.Request, classifier model.Classifier, img image.Image) {
	result, err := classifier.Classify(r.Context(), img)
	if err != nil {
		log.Printf("Prediction error: %v", err)
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, model.NewPredictionResponse(result))
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	s, err := h.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return s, true
}

// readUpload returns the files posted in the image field. An upload without
// any file yields an empty list.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]imagesrc.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	headers := r.MultipartForm.File[imageField]
	if len(headers) == 0 {
		return nil, nil
	}

	header := headers[0]
	file, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	return []imagesrc.File{{
		Name:        header.Filename,
		ContentType: contentType,
		Data:        data,
	}}, nil
}

// readURL accepts either a JSON body or a form field named url.
func readURL(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req urlRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			return "", errors.New("invalid JSON")
		}
		return req.URL, nil
	}
	return r.FormValue("url"), nil
}

func wantsWait(r *http.Request) bool {
	switch r.URL.Query().Get("wait") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrModelLoading):
		http.Error(w, "Loading...", http.StatusServiceUnavailable)
	case errors.Is(err, model.ErrModelNotLoaded):
		http.Error(w, "Model not loaded", http.StatusServiceUnavailable)
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, imagesrc.ErrBlobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, session.ErrNoImage):
		http.Error(w, err.Error(), http.StatusConflict)
	case session.IsInputError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("Request error: %v", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}
