package pipeline

import (
	"sync"
	"time"

	"code.cloudfoundry.org/lager"
	cfdomainrenewer "github.com/18f/cf-domain-renewer"
	"github.com/18f/cf-domain-renewer/models"
	"github.com/jinzhu/gorm"
)

// FailureHook is called exactly once per halted pipeline, after the failing
// step has no retries left.
type FailureHook func(operationId uint, routeType cfdomainrenewer.RouteType, stepName string, cause error)

type QueueSettings struct {
	Workers       int
	Attempts      int
	RetryInterval time.Duration
}

type task struct {
	pipeline *Pipeline
	step     int
	attempt  int
}

// Queue runs pipelines over a fixed worker pool. Steps for one operation run
// strictly in order; the next step is enqueued only after the current one
// succeeds. Retries go back on the queue after a fixed delay instead of
// holding a worker.
//
// Workers hand successor and retry tasks back through the dispatcher, which
// holds them in an unbounded backlog. The sweep can therefore enqueue more
// pipelines than the pool has workers without anybody blocking on a full
// channel.
type Queue struct {
	incoming chan task
	work     chan task
	stores   map[cfdomainrenewer.RouteType]*models.Store
	settings QueueSettings
	onFail   FailureHook
	logger   lager.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewQueue(stores map[cfdomainrenewer.RouteType]*models.Store, settings QueueSettings, onFail FailureHook, logger lager.Logger) *Queue {
	if settings.Workers <= 0 {
		settings.Workers = 4
	}
	if settings.Attempts <= 0 {
		settings.Attempts = cfdomainrenewer.DefaultStepAttempts
	}
	if settings.RetryInterval <= 0 {
		settings.RetryInterval = cfdomainrenewer.DefaultStepRetryInterval
	}
	q := &Queue{
		incoming: make(chan task),
		work:     make(chan task),
		stores:   stores,
		settings: settings,
		onFail:   onFail,
		logger:   logger.Session("pipeline-queue"),
		stop:     make(chan struct{}),
	}
	// the dispatcher runs from construction so work can accumulate before
	// the workers start
	q.wg.Add(1)
	go q.dispatch()
	return q
}

func (q *Queue) Run() {
	q.logger.Info("starting-workers", lager.Data{"workers": q.settings.Workers})
	for idx := 0; idx < q.settings.Workers; idx++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Stop lets in-flight steps finish and drops everything else. Pending work
// is recoverable from operation state on the next sweep.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Enqueue schedules a pipeline's first step.
func (q *Queue) Enqueue(p *Pipeline) {
	q.submit(task{pipeline: p, step: 0, attempt: 1})
}

func (q *Queue) submit(t task) {
	select {
	case q.incoming <- t:
	case <-q.stop:
	}
}

// dispatch owns the backlog. It is always ready to accept a submitted task,
// so a worker finishing a step can never wedge against a full queue.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	var backlog []task
	for {
		var ready chan task
		var next task
		if len(backlog) > 0 {
			ready = q.work
			next = backlog[0]
		}
		select {
		case <-q.stop:
			return
		case t := <-q.incoming:
			backlog = append(backlog, t)
		case ready <- next:
			backlog = backlog[1:]
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case t := <-q.work:
			q.execute(t)
		}
	}
}

func (q *Queue) execute(t task) {
	p := t.pipeline
	step := p.Steps[t.step]
	lsession := q.logger.Session("step", lager.Data{
		"pipeline-id":  p.Id,
		"operation-id": p.OperationId,
		"route-type":   p.RouteType,
		"step":         step.Name,
		"attempt":      t.attempt,
	})

	op, err := q.loadOperation(p)
	if err != nil {
		if gorm.IsRecordNotFoundError(err) {
			lsession.Info("operation-gone")
			return
		}
		lsession.Error("load-operation", err)
		q.retryOrFail(t, err, lsession)
		return
	}
	if op.State.Terminal() {
		lsession.Info("operation-already-terminal", lager.Data{"state": op.State})
		return
	}

	if err := step.Run(op); err != nil {
		q.retryOrFail(t, err, lsession)
		return
	}

	lsession.Debug("step-succeeded")
	if t.step+1 < len(p.Steps) {
		q.submit(task{pipeline: p, step: t.step + 1, attempt: 1})
	}
}

func (q *Queue) retryOrFail(t task, cause error, lsession lager.Logger) {
	step := t.pipeline.Steps[t.step]

	attempts := 1
	if step.Retriable {
		attempts = q.settings.Attempts
	}

	if t.attempt >= attempts {
		lsession.Error("step-exhausted", cause)
		if q.onFail != nil {
			q.onFail(t.pipeline.OperationId, t.pipeline.RouteType, step.Name, cause)
		}
		return
	}

	lsession.Error("step-failed-will-retry", cause)
	next := task{pipeline: t.pipeline, step: t.step, attempt: t.attempt + 1}
	// after Stop the submit inside the callback returns immediately, so a
	// timer that outlives the queue is harmless
	time.AfterFunc(q.settings.RetryInterval, func() {
		q.submit(next)
	})
}

func (q *Queue) loadOperation(p *Pipeline) (*models.Operation, error) {
	store, ok := q.stores[p.RouteType]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return store.GetOperation(p.OperationId)
}
