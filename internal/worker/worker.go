package worker

// Worker consumes jobs from its channel and returns itself to the pool after
// each one. A Stop job retires it.
type Worker struct {
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			switch job.Type {
			case Init:
				w.manager.handleInit(job.InitTask)
			case Exchange:
				w.manager.handleExchange(job.ExchangeTask)
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.Release(w.jobChannel)
		}
	}()
}
