// Package session holds the per-user image selection and classification
// state. Every mutation advances a generation counter; results of
// asynchronous work started under an older generation are dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/imagesrc"
	"github.com/MettaSurendhar/Met-Image-Classy/internal/model"
)

// Prober decodes the image a URL points at.
type Prober interface {
	Probe(ctx context.Context, raw string) (image.Image, string, error)
}

// Models hands out the loaded classifier. *model.Loader implements it.
type Models interface {
	Classifier() (model.Classifier, error)
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Models Models
	Prober Prober
	Blobs  *imagesrc.BlobStore
}

type Session struct {
	id   string
	deps Deps
	now  func() time.Time

	mu        sync.Mutex
	state     State
	reference string
	valid     bool
	results   model.Result
	controls  Controls
	channel   Channel
	errMsg    string
	gen       uint64
	updatedAt time.Time

	img     image.Image
	blobRef string
	cancel  context.CancelFunc

	subs    map[int]func(Snapshot)
	nextSub int

	// notifyMu serializes delivery; lastNotified is the newest generation
	// handed to subscribers.
	notifyMu     sync.Mutex
	lastNotified uint64
}

func newSession(id string, deps Deps, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{
		id:        id,
		deps:      deps,
		now:       now,
		updatedAt: now(),
		subs:      make(map[int]func(Snapshot)),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every change.
// Callbacks run one at a time in generation order; a snapshot older than one
// already delivered is skipped. fn must not call back into the session. The
// returned func removes the subscription.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Image returns the uploaded file behind the current reference, if the
// reference is a local blob.
func (s *Session) Image() (imagesrc.File, error) {
	s.mu.Lock()
	ref := s.blobRef
	valid := s.valid
	s.mu.Unlock()

	if ref == "" || !valid {
		return imagesrc.File{}, ErrNoImage
	}
	return s.deps.Blobs.Get(ref)
}

// SelectFile takes the file control's current list. The first file becomes
// the previewed image. An empty list clears the selection.
func (s *Session) SelectFile(files []imagesrc.File) Snapshot {
	s.mu.Lock()
	s.resetLocked()
	s.controls.URL = ""
	s.channel = ChannelFile

	if len(files) == 0 {
		s.controls.File = ""
		s.reference = ""
		s.valid = false
		s.state = Idle
	} else {
		f := files[0]
		s.blobRef = s.deps.Blobs.Put(f)
		s.controls.File = f.Name
		s.reference = s.blobRef
		s.valid = true
		s.state = Ready
	}

	snap := s.commitLocked()
	s.mu.Unlock()

	s.notify(snap)
	return snap
}

// EnterURL takes the text typed into the URL control. The reference is set
// to the text as typed right away; validity follows once the trimmed text
// has been fetched and decoded. Blank text is invalid, empty text clears the
// selection. ctx bounds the fetch and must outlive the caller's request.
func (s *Session) EnterURL(ctx context.Context, text string) *Task {
	s.mu.Lock()
	s.resetLocked()
	s.controls.File = ""
	s.controls.URL = text
	s.channel = ChannelURL
	s.reference = text
	s.valid = false

	raw := strings.TrimSpace(text)
	switch {
	case text == "":
		s.state = Idle
		snap := s.commitLocked()
		s.mu.Unlock()

		s.notify(snap)
		return finishedTask(snap.Generation, nil)
	case raw == "":
		s.state = Invalid
		s.errMsg = imagesrc.ErrInvalidURL.Error()
		snap := s.commitLocked()
		s.mu.Unlock()

		s.notify(snap)
		return finishedTask(snap.Generation, imagesrc.ErrInvalidURL)
	}

	s.state = Validating
	probeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	snap := s.commitLocked()
	task := newTask(snap.Generation)
	s.mu.Unlock()

	s.notify(snap)

	go func() {
		defer cancel()
		img, _, err := s.deps.Prober.Probe(probeCtx, raw)
		s.resolveProbe(task, img, err)
	}()
	return task
}

func (s *Session) resolveProbe(task *Task, img image.Image, err error) {
	s.mu.Lock()
	if task.gen != s.gen {
		s.mu.Unlock()
		task.finish(ErrSuperseded)
		return
	}

	s.cancel = nil
	if err != nil {
		s.valid = false
		s.state = Invalid
		s.errMsg = err.Error()
	} else {
		s.valid = true
		s.img = img
		s.state = Ready
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	s.notify(snap)
	task.finish(err)
}

// Identify classifies the previewed image. It fails fast when no model is
// available or no valid image is selected; otherwise the result arrives
// through the returned task and the session state.
func (s *Session) Identify(ctx context.Context) (*Task, error) {
	classifier, err := s.deps.Models.Classifier()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.valid || s.reference == "" {
		s.mu.Unlock()
		return nil, ErrNoImage
	}

	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.controls = Controls{}
	s.results = nil
	s.errMsg = ""
	s.state = Classifying
	img := s.img
	blobRef := s.blobRef
	snap := s.commitLocked()
	task := newTask(snap.Generation)
	s.mu.Unlock()

	s.notify(snap)

	go func() {
		defer cancel()
		if img == nil {
			decoded, err := s.decodeBlob(blobRef)
			if err != nil {
				s.resolveDecode(task, err)
				return
			}
			img = decoded
		}
		result, err := classifier.Classify(runCtx, img)
		s.resolveClassify(task, img, result, err)
	}()
	return task, nil
}

func (s *Session) decodeBlob(ref string) (image.Image, error) {
	f, err := s.deps.Blobs.Get(ref)
	if err != nil {
		return nil, err
	}
	img, _, err := imagesrc.DecodeFile(f)
	return img, err
}

// resolveDecode marks an uploaded file that turned out not to be an image.
func (s *Session) resolveDecode(task *Task, err error) {
	s.mu.Lock()
	if task.gen != s.gen {
		s.mu.Unlock()
		task.finish(ErrSuperseded)
		return
	}

	s.cancel = nil
	s.valid = false
	s.state = Invalid
	s.errMsg = err.Error()
	snap := s.commitLocked()
	s.mu.Unlock()

	s.notify(snap)
	task.finish(fmt.Errorf("%w: %v", ErrNoImage, err))
}

func (s *Session) resolveClassify(task *Task, img image.Image, result model.Result, err error) {
	s.mu.Lock()
	if task.gen != s.gen {
		s.mu.Unlock()
		task.finish(ErrSuperseded)
		return
	}

	s.cancel = nil
	s.img = img
	if err != nil {
		s.state = Failed
		s.errMsg = err.Error()
		s.results = nil
	} else {
		if result == nil {
			result = model.Result{}
		}
		s.state = Classified
		s.results = result
	}
	snap := s.commitLocked()
	s.mu.Unlock()

	s.notify(snap)
	task.finish(err)
}

// Cancel clears both controls and the selection. The loaded model is not
// affected.
func (s *Session) Cancel() Snapshot {
	s.mu.Lock()
	s.resetLocked()
	s.controls = Controls{}
	s.channel = ChannelNone
	s.reference = ""
	s.valid = false
	s.state = Idle
	snap := s.commitLocked()
	s.mu.Unlock()

	s.notify(snap)
	return snap
}

// Close stops in-flight work and releases the uploaded file.
func (s *Session) Close() {
	s.mu.Lock()
	s.resetLocked()
	s.subs = make(map[int]func(Snapshot))
	s.gen++
	s.mu.Unlock()
}

func (s *Session) lastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// resetLocked drops everything tied to the previous selection.
func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.blobRef != "" {
		s.deps.Blobs.Delete(s.blobRef)
		s.blobRef = ""
	}
	s.img = nil
	s.results = nil
	s.errMsg = ""
}

func (s *Session) commitLocked() Snapshot {
	s.gen++
	s.updatedAt = s.now()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	var results model.Result
	if s.results != nil {
		results = make(model.Result, len(s.results))
		copy(results, s.results)
	}
	return Snapshot{
		ID:         s.id,
		State:      s.state,
		Reference:  s.reference,
		Valid:      s.valid,
		Results:    results,
		Controls:   s.controls,
		Channel:    s.channel,
		Error:      s.errMsg,
		Generation: s.gen,
		UpdatedAt:  s.updatedAt,
	}
}

func (s *Session) notify(snap Snapshot) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.Generation <= s.lastNotified {
		return
	}
	s.lastNotified = snap.Generation

	s.mu.Lock()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// IsInputError reports whether err was caused by the caller's selection
// rather than by the service.
func IsInputError(err error) bool {
	return errors.Is(err, ErrNoImage) ||
		errors.Is(err, imagesrc.ErrInvalidURL) ||
		errors.Is(err, imagesrc.ErrUnsupportedFormat) ||
		errors.Is(err, imagesrc.ErrTooLarge) ||
		errors.Is(err, imagesrc.ErrForbiddenAddress)
}
