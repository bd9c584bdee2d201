// Package engine serializes access to a storage backend through a single
// goroutine. Callers talk to it through a Handle, which is cheap to copy
// and safe to share.
package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matteso1/crabdb/internal/storage"
)

// DefaultQueueSize is the request queue capacity.
const DefaultQueueSize = 8

// ErrActorUnavailable is returned when the actor stopped before answering.
var ErrActorUnavailable = errors.New("storage actor unavailable")

type op int

const (
	opWrite op = iota
	opRead
)

func (o op) String() string {
	switch o {
	case opWrite:
		return "write"
	case opRead:
		return "read"
	default:
		return "unknown"
	}
}

type request struct {
	op    op
	key   string
	value []byte

	ResponseChan chan response
}

type response struct {
	value []byte
	found bool
	err   error
}

// Config configures a StorageActor.
type Config struct {
	QueueSize int
	Logger    *logrus.Entry
}

// StorageActor owns a storage.Store and applies requests to it one at a
// time, in arrival order.
type StorageActor struct {
	store storage.Store

	requestChan chan request
	stopChan    chan struct{}
	doneChan    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	closeErr  error

	log *logrus.Entry
}

// NewStorageActor creates an actor for store. Call Start to begin serving.
func NewStorageActor(store storage.Store, config Config) *StorageActor {
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Logger == nil {
		config.Logger = logrus.WithField("component", "actor")
	}
	return &StorageActor{
		store:       store,
		requestChan: make(chan request, config.QueueSize),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		log:         config.Logger,
	}
}

// Start launches the actor goroutine.
func (a *StorageActor) Start() {
	a.startOnce.Do(func() {
		go a.run()
	})
}

// Stop ends the actor loop, then closes the store. Requests still queued
// are answered with ErrActorUnavailable.
func (a *StorageActor) Stop() error {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.startOnce.Do(func() { close(a.doneChan) })
		<-a.doneChan
		if err := a.store.Close(); err != nil {
			a.closeErr = errors.WithMessage(err, "close store")
		}
		a.log.Info("storage actor stopped")
	})
	return a.closeErr
}

// Handle returns a client handle for this actor.
func (a *StorageActor) Handle() Handle {
	return Handle{requestChan: a.requestChan, doneChan: a.doneChan}
}

func (a *StorageActor) run() {
	defer close(a.doneChan)

	for {
		select {
		case <-a.stopChan:
			return
		case req := <-a.requestChan:
			a.handle(req)
		}
	}
}

func (a *StorageActor) handle(req request) {
	var resp response
	switch req.op {
	case opWrite:
		resp.err = a.store.Put(req.key, req.value)
	case opRead:
		resp.value, resp.found, resp.err = a.store.Get(req.key)
	}
	if resp.err != nil {
		a.log.WithError(resp.err).WithFields(logrus.Fields{
			"op":  req.op.String(),
			"key": req.key,
		}).Warn("storage request failed")
	}
	// Buffered; never blocks even if the caller gave up.
	req.ResponseChan <- resp
}

// Handle sends requests to a StorageActor.
type Handle struct {
	requestChan chan<- request
	doneChan    <-chan struct{}
}

// Write stores value under key. It returns once the store applied it.
func (h Handle) Write(ctx context.Context, key string, value []byte) error {
	resp, err := h.call(ctx, request{op: opWrite, key: key, value: value})
	if err != nil {
		return err
	}
	return resp.err
}

// Read returns the value stored under key. A missing key is not an error.
func (h Handle) Read(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := h.call(ctx, request{op: opRead, key: key})
	if err != nil {
		return nil, false, err
	}
	return resp.value, resp.found, resp.err
}

func (h Handle) call(ctx context.Context, req request) (response, error) {
	if h.requestChan == nil {
		return response{}, ErrActorUnavailable
	}
	select {
	case <-h.doneChan:
		return response{}, ErrActorUnavailable
	default:
	}

	req.ResponseChan = make(chan response, 1)
	select {
	case h.requestChan <- req:
	case <-h.doneChan:
		return response{}, ErrActorUnavailable
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.ResponseChan:
		return resp, nil
	case <-h.doneChan:
		// The last request may have been answered on the way out.
		select {
		case resp := <-req.ResponseChan:
			return resp, nil
		default:
			return response{}, ErrActorUnavailable
		}
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}
