package handlers

import (
	"context"
	"html/template"
	"log"
	"net/http"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/imagesrc"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/render"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/session"
)

const sessionCookie = "classy_session"

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Image Classification</title></head>
<body>
<div class="App">
<h1 class="header">Image Classification</h1>
<div class="inputHolder">
<form action="/ui/file" method="post" enctype="multipart/form-data">
<input class="uploadFileInput" type="file" name="image" accept="image/*" capture="camera">
<button class="uploadImg" type="submit">upload image</button>
</form>
<span class="or"> OR </span>
<form action="/ui/url" method="post">
<input class="uploadTextInput" type="text" name="url" placeholder="Paste Image URL" value="{{.Snapshot.Controls.URL}}">
</form>
</div>
<div class="mainWrapper">
<div class="mainContent">
{{if .Snapshot.Previewable}}
<div class="imageHolder"><img src="{{.Preview}}" alt="Upload preview" crossorigin="anonymous"></div>
<div class="buttonHolder">
<form action="/ui/identify" method="post"><button class="button" type="submit">Identify</button></form>
<form action="/ui/cancel" method="post"><button class="button cancel" type="submit">cancel</button></form>
</div>
{{end}}
</div>
{{if .Results}}<div class="resultsHolder">{{.Results}}</div>{{end}}
</div>
</div>
</body>
</html>
`))

type pageData struct {
	Snapshot session.Snapshot
	Preview  string
	Results  template.HTML
}

// Page renders the browser front-end for the caller's session. While the
// model loads only a placeholder is shown.
func (h *Handler) Page(w http.ResponseWriter, r *http.Request) {
	if h.models.Loading() {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<div>Loading...</div>"))
		return
	}

	s := h.pageSession(w, r)
	snap := s.Snapshot()

	data := pageData{Snapshot: snap, Preview: snap.Reference}
	if imagesrc.IsBlobRef(snap.Reference) {
		data.Preview = "/sessions/" + snap.ID + "/image"
	}

	fragment, err := render.HTML(snap.Results)
	if err != nil {
		log.Printf("Render error: %v", err)
	}
	// goldmark output omits raw HTML and the labels are escaped.
	data.Results = template.HTML(fragment)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		log.Printf("Template error: %v", err)
	}
}

func (h *Handler) UIFile(w http.ResponseWriter, r *http.Request) {
	s := h.pageSession(w, r)
	files, err := h.readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.SelectFile(files)
	redirectHome(w, r)
}

func (h *Handler) UIURL(w http.ResponseWriter, r *http.Request) {
	s := h.pageSession(w, r)
	task := s.EnterURL(context.WithoutCancel(r.Context()), r.FormValue("url"))
	task.Wait(r.Context())
	redirectHome(w, r)
}

func (h *Handler) UIIdentify(w http.ResponseWriter, r *http.Request) {
	s := h.pageSession(w, r)
	task, err := s.Identify(context.WithoutCancel(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	task.Wait(r.Context())
	redirectHome(w, r)
}

func (h *Handler) UICancel(w http.ResponseWriter, r *http.Request) {
	h.pageSession(w, r).Cancel()
	redirectHome(w, r)
}

// pageSession returns the session named by the cookie, starting a new one
// when there is none.
func (h *Handler) pageSession(w http.ResponseWriter, r *http.Request) *session.Session {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if s, err := h.sessions.Get(c.Value); err == nil {
			return s
		}
	}

	s := h.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    s.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return s
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
