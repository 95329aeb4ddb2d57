package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/xueanxi/sharebook/pkg/utils"
)

var (
	ErrFull    = errors.New("queue is full")
	ErrStopped = errors.New("queue stopped")
)

type Queue struct {
	backend Backend
	logger  *log.Logger

	items chan *item
	stop  chan struct{}
	once  sync.Once
}

type item struct {
	ctx      context.Context
	req      Request
	response chan [][]byte
	err      chan error
}

func New(backend Backend, size int, logger *log.Logger) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{
		backend: backend,
		logger:  logger.WithPrefix("queue"),
		items:   make(chan *item, size),
		stop:    make(chan struct{}),
	}
}

func (q *Queue) Start() {
	go q.processLoop()
}

func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stop) })
}

// Add enqueues req without waiting. Exactly one of the returned channels receives.
func (q *Queue) Add(ctx context.Context, req Request) (<-chan [][]byte, <-chan error, error) {
	select {
	case <-q.stop:
		return nil, nil, ErrStopped
	default:
	}
	if req.Batch <= 0 {
		req.Batch = 1
	}
	if req.Negative == "" {
		req.Negative = DefaultNegative
	}
	it := &item{ctx: ctx, req: req, response: make(chan [][]byte, 1), err: make(chan error, 1)}
	select {
	case q.items <- it:
		return it.response, it.err, nil
	default:
		return nil, nil, ErrFull
	}
}

// Generate enqueues req and waits for its images.
func (q *Queue) Generate(ctx context.Context, req Request) ([][]byte, error) {
	respCh, errCh, err := q.Add(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stop:
		return nil, ErrStopped
	case err := <-errCh:
		return nil, err
	case images := <-respCh:
		return images, nil
	}
}

func (q *Queue) processLoop() {
	q.logger.Info("started")
	for {
		select {
		case <-q.stop:
			q.logger.Info("stopped")
			return
		case it := <-q.items:
			q.processItem(it)
		}
	}
}

func (q *Queue) processItem(it *item) {
	if err := it.ctx.Err(); err != nil {
		it.err <- err
		return
	}
	q.logger.Info("generating", "name", it.req.Name, "prompt", utils.LimitStr(it.req.Prompt, 50), "batch", it.req.Batch)
	images, err := q.backend.Generate(it.ctx, it.req)
	if err == nil && len(images) == 0 {
		err = errors.New("no images generated")
	}
	if err != nil {
		q.logger.Error("generation failed", "name", it.req.Name, "error", err)
		it.err <- err
		return
	}
	it.response <- images
}
