package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// BufferRecorder captures voice input pushed over HTTP: the client streams
// audio chunks while the capture is open and Stop hands the whole take to
// the transcriber.
type BufferRecorder struct{}

// Start opens a new capture.
func (BufferRecorder) Start(ctx context.Context) (Recording, error) {
	return &bufferRecording{}, nil
}

type bufferRecording struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	stopped bool
}

// Write appends an audio chunk to the open capture.
func (r *bufferRecording) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, errors.New("recording already stopped")
	}
	return r.buf.Write(p)
}

// Stop closes the capture and returns the audio. Safe to call once.
func (r *bufferRecording) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, errors.New("recording already stopped")
	}
	r.stopped = true
	return r.buf.Bytes(), nil
}
