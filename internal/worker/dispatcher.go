package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"fleetdiag/internal/models"
	"fleetdiag/internal/session"
)

// ErrDispatcherBusy is returned when the inbound job queue is full. Callers
// should surface a retry to the user rather than block.
var ErrDispatcherBusy = errors.New("dispatcher queue is full")

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher fans jobs out to the worker pool with per-user fairness: users
// take turns in LRU order, one job per turn, so one chatty user cannot
// starve the rest.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	Manager  *Manager

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	pool := newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager)
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		Manager:   manager,
	}

	// Warm up workers.
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnIdleWorker()
	}

	go d.run()
	return d
}

// StartSession runs a session start through the pool and waits for the
// greeting.
func (d *Dispatcher) StartSession(req StartRequest) (*models.Session, *models.Message, error) {
	task := &initTask{req: req, resultCh: make(chan workerReturn, 1)}
	if err := d.submit(Job{Type: Init, InitTask: task}); err != nil {
		return nil, nil, err
	}
	ret := <-task.resultCh
	return ret.session, ret.greeting, ret.err
}

// SendMessage runs one exchange through the pool and waits for the settled
// user and assistant messages.
func (d *Dispatcher) SendMessage(req ExchangeRequest) (*session.ExchangeReply, error) {
	task := &exchangeTask{req: req, resultCh: make(chan workerReturn, 1)}
	if err := d.submit(Job{Type: Exchange, ExchangeTask: task}); err != nil {
		return nil, err
	}
	ret := <-task.resultCh
	return ret.reply, ret.err
}

// Machine exposes the live session machine for operations that never touch
// the engine (voice, playback, image analysis, feedback).
func (d *Dispatcher) Machine(ctx context.Context, userID, sessionID int64) (*session.Machine, error) {
	return d.Manager.Machine(ctx, userID, sessionID)
}

// Purge drops a session's machine and cached state.
func (d *Dispatcher) Purge(userID, sessionID int64) {
	d.Manager.Purge(userID, sessionID)
}

func (d *Dispatcher) submit(job Job) error {
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of user in the front of LRU queue
		if !d.dispatchOne() {
			job := <-d.JobQueue // force congestion
			d.enqueueJob(job)
			continue
		}
		// if we have a new job, enqueue it and its caller user
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		default:
		}
	}
}

// CancelUser drops every queued job for a user and purges their live
// machines on all nodes.
func (d *Dispatcher) CancelUser(userID int64) {
	d.mu.Lock()
	delete(d.queues, userID)
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	d.mu.Unlock()

	d.Manager.PurgeUser(userID)
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.userID()

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// user already enqueued, skip
		return
	}
	// new user, enqueue
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne gets the first user in LRU order and dispatches one job.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	for elem != nil {
		userID := elem.Value.(int64)
		q := d.queues[userID]
		// get job from the first user
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		if len(q.jobs) == 0 {
			// user only had one job, drop them from the rotation
			q.enqueued = false
			d.ready.Remove(elem)
			delete(d.positions, userID)
		} else {
			// get to the back of queue
			d.ready.MoveToBack(elem)
		}
		d.mu.Unlock()

		workerChan := d.pool.acquire()
		debugLog("[dispatcher] assign job type %d for user %d", job.Type, userID)
		workerChan <- job
		return true
	}
	d.mu.Unlock()
	return false
}
