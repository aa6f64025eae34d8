package model

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"
)

type stubClassifier struct {
	closed bool
}

func (s *stubClassifier) Classify(ctx context.Context, img image.Image) (Result, error) {
	return Result{{Label: "cat", Confidence: 1}}, nil
}

func (s *stubClassifier) Close() { s.closed = true }

func TestLoader_LoadingFlagSpansLoad(t *testing.T) {
	release := make(chan struct{})
	stub := &stubClassifier{}
	l := NewLoader(func(ctx context.Context) (Classifier, error) {
		<-release
		return stub, nil
	})

	if l.Loading() {
		t.Fatal("loading before Start")
	}
	if _, err := l.Classifier(); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded before Start, got %v", err)
	}

	l.Start(context.Background())
	if !l.Loading() {
		t.Fatal("not loading after Start")
	}
	if _, err := l.Classifier(); !errors.Is(err, ErrModelLoading) {
		t.Fatalf("expected ErrModelLoading, got %v", err)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if l.Loading() {
		t.Fatal("still loading after resolution")
	}
	c, err := l.Classifier()
	if err != nil || c != stub {
		t.Fatalf("classifier = %v, %v", c, err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !stub.closed {
		t.Fatal("classifier not closed")
	}
}

func TestLoader_FailureClearsLoading(t *testing.T) {
	boom := errors.New("boom")
	l := NewLoader(func(ctx context.Context) (Classifier, error) {
		return nil, boom
	})
	l.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("wait error = %v", err)
	}
	if l.Loading() {
		t.Fatal("still loading after failure")
	}
	if _, err := l.Classifier(); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
	if !IsUnavailable(ErrModelNotLoaded) || IsUnavailable(boom) {
		t.Fatal("IsUnavailable mismatch")
	}
}

func TestLoader_StartOnce(t *testing.T) {
	calls := 0
	l := NewLoader(func(ctx context.Context) (Classifier, error) {
		calls++
		return &stubClassifier{}, nil
	})
	l.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	l.Start(context.Background())
	if calls != 1 {
		t.Fatalf("load called %d times", calls)
	}
}
