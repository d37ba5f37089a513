package predict

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mtphotos/face-api/src/datastructures"
	"github.com/mtphotos/face-api/src/decoder"
	log "github.com/sirupsen/logrus"
)

var ErrDispatcherStopped = errors.New("inference workers are stopped")

// Job holds the attributes needed to perform unit of work.
type Job struct {
	ctx    context.Context
	image  *decoder.Image
	future *Future
}

// Future is the pending result of a submitted Job.
type Future struct {
	done   chan struct{}
	result []datastructures.Representation
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(result []datastructures.Representation, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Wait blocks until the job has finished.
func (f *Future) Wait() ([]datastructures.Representation, error) {
	<-f.done
	return f.result, f.err
}

// NewWorker creates takes a numeric id and a channel w/ worker pool.
func NewWorker(id int, workerPool chan chan Job, predictor Predictor, embeddingSize int) Worker {
	return Worker{
		id:            id,
		jobQueue:      make(chan Job),
		workerPool:    workerPool,
		quitChan:      make(chan bool),
		predictor:     predictor,
		embeddingSize: embeddingSize,
	}
}

type Worker struct {
	id            int
	jobQueue      chan Job
	workerPool    chan chan Job
	quitChan      chan bool
	predictor     Predictor
	embeddingSize int
}

func (w Worker) start() {
	log.Debug("[Worker] Worker ", w.id, " starting")

	go func() {
		defer w.predictor.Close()
		for {
			// Add my jobQueue to the worker pool.
			w.workerPool <- w.jobQueue

			select {
			case job := <-w.jobQueue:
				if err := job.ctx.Err(); err != nil {
					job.future.complete(nil, err)
					continue
				}
				result, err := w.represent(job.image)
				if err != nil && !IsNoFace(err) {
					log.Debug("[Worker] Worker ", w.id, " couldn't represent: ", err.Error())
				}
				job.future.complete(result, err)

			case <-w.quitChan:
				// We have been asked to stop.
				log.Debug("[Worker] Worker ", w.id, " stopping")
				return
			}
		}
	}()
}

func (w Worker) represent(img *decoder.Image) (result []datastructures.Representation, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("predictor panicked: %v", r)
		}
	}()

	result, err = w.predictor.Represent(img)
	if err != nil {
		return nil, err
	}
	if w.embeddingSize > 0 {
		for _, face := range result {
			if len(face.Embedding) != w.embeddingSize {
				return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(face.Embedding), w.embeddingSize)
			}
		}
	}
	if result == nil {
		result = []datastructures.Representation{}
	}
	return result, nil
}

func (w Worker) stop() {
	go func() {
		w.quitChan <- true
	}()
}

// NewDispatcher creates, and returns a new Dispatcher object. Every worker
// gets its own predictor from factory. A non-zero embeddingSize makes the
// workers reject results whose vectors have a different length.
func NewDispatcher(maxWorkers int, factory Factory, embeddingSize int) *Dispatcher {
	workerPool := make(chan chan Job, maxWorkers)

	return &Dispatcher{
		jobQueue:      make(chan Job),
		maxWorkers:    maxWorkers,
		workerPool:    workerPool,
		factory:       factory,
		embeddingSize: embeddingSize,
		quit:          make(chan struct{}),
	}
}

// Dispatcher hands submitted jobs to the next idle worker. When every worker
// is busy, jobs wait for one to free up.
type Dispatcher struct {
	workerPool    chan chan Job
	maxWorkers    int
	jobQueue      chan Job
	factory       Factory
	embeddingSize int
	workers       []Worker
	predictors    []Predictor
	quit          chan struct{}
	stopOnce      sync.Once
}

// Run creates the predictors and starts the workers. If any predictor fails
// to start, the ones already created are closed again.
func (d *Dispatcher) Run() error {
	predictors := make([]Predictor, 0, d.maxWorkers)
	for i := 0; i < d.maxWorkers; i++ {
		p, err := d.factory(i + 1)
		if err != nil {
			for _, started := range predictors {
				started.Close()
			}
			return fmt.Errorf("worker %d failed to start: %w", i+1, err)
		}
		predictors = append(predictors, p)
	}

	d.predictors = predictors
	for i, p := range predictors {
		worker := NewWorker(i+1, d.workerPool, p, d.embeddingSize)
		worker.start()
		d.workers = append(d.workers, worker)
	}

	go d.dispatch()
	return nil
}

func (d *Dispatcher) dispatch() {
	for {
		select {
		case job := <-d.jobQueue:
			go func() {
				select {
				case workerJobQueue := <-d.workerPool:
					select {
					case workerJobQueue <- job:
					case <-d.quit:
						job.future.complete(nil, ErrDispatcherStopped)
					}
				case <-job.ctx.Done():
					job.future.complete(nil, job.ctx.Err())
				case <-d.quit:
					job.future.complete(nil, ErrDispatcherStopped)
				}
			}()
		case <-d.quit:
			return
		}
	}
}

// Submit queues img for inference. ctx only matters while the job waits for
// a worker; a call that has started always runs to completion.
func (d *Dispatcher) Submit(ctx context.Context, img *decoder.Image) *Future {
	future := newFuture()
	job := Job{ctx: ctx, image: img, future: future}

	select {
	case <-d.quit:
		future.complete(nil, ErrDispatcherStopped)
		return future
	default:
	}

	select {
	case d.jobQueue <- job:
	case <-ctx.Done():
		future.complete(nil, ctx.Err())
	case <-d.quit:
		future.complete(nil, ErrDispatcherStopped)
	}
	return future
}

// Represent submits img and waits for the result.
func (d *Dispatcher) Represent(ctx context.Context, img *decoder.Image) ([]datastructures.Representation, error) {
	return d.Submit(ctx, img).Wait()
}

// Stop shuts the workers down. Jobs that have not reached a worker fail with
// ErrDispatcherStopped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		for _, w := range d.workers {
			w.stop()
		}
	})
}

// Kill stops the dispatcher like Stop and then terminates every predictor
// that owns a process, waiting until each one is gone. Jobs in flight fail.
func (d *Dispatcher) Kill() {
	d.Stop()
	for _, p := range d.predictors {
		if k, ok := p.(Killer); ok {
			k.Kill()
		}
	}
}
