package model

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
)

// LoadFunc produces a classifier. It may block for as long as the model
// takes to fetch and initialize.
type LoadFunc func(ctx context.Context) (Classifier, error)

// Loader obtains a classifier in the background and reports whether the load
// is still pending.
type Loader struct {
	load LoadFunc

	mu         sync.RWMutex
	started    bool
	loading    bool
	classifier Classifier
	err        error
	done       chan struct{}
}

func NewLoader(load LoadFunc) *Loader {
	return &Loader{
		load: load,
		done: make(chan struct{}),
	}
}

// Start begins loading. Loading reports true from the moment Start returns
// until the load resolves. Calls after the first are ignored.
func (l *Loader) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.loading = true
	l.mu.Unlock()

	go func() {
		classifier, err := l.load(ctx)
		if err == nil && classifier == nil {
			err = ErrModelNotLoaded
		}
		if err != nil {
			log.Printf("Failed to load model: %v", err)
		}

		l.mu.Lock()
		l.classifier = classifier
		l.err = err
		l.loading = false
		l.mu.Unlock()
		close(l.done)
	}()
}

func (l *Loader) Loading() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loading
}

// Classifier returns the loaded classifier, ErrModelLoading while the load
// is pending, or ErrModelNotLoaded when there is none.
func (l *Loader) Classifier() (Classifier, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch {
	case l.loading:
		return nil, ErrModelLoading
	case l.classifier == nil:
		return nil, ErrModelNotLoaded
	}
	return l.classifier, nil
}

func (l *Loader) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

func (l *Loader) Wait(ctx context.Context) error {
	l.mu.RLock()
	started := l.started
	l.mu.RUnlock()
	if !started {
		return ErrModelNotLoaded
	}

	select {
	case <-l.done:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the classifier if it holds resources.
func (l *Loader) Close() error {
	l.mu.Lock()
	classifier := l.classifier
	l.classifier = nil
	l.mu.Unlock()

	switch c := classifier.(type) {
	case io.Closer:
		return c.Close()
	case interface{ Close() }:
		c.Close()
	}
	return nil
}

// IsUnavailable reports whether err means no classifier can serve a request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrModelLoading) || errors.Is(err, ErrModelNotLoaded)
}
