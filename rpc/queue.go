package rpc

import "sync"

// queue runs jobs for one session in the order they were added. A drain
// goroutine exists only while work is queued, so an idle or lost session
// holds no goroutine.
type queue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

func (q *queue) push(job func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *queue) drain() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		job()
	}
}

func (c *Correlator) enqueue(sessionID string, job func()) {
	c.qmu.Lock()
	q, ok := c.queues[sessionID]
	if !ok {
		q = &queue{}
		c.queues[sessionID] = q
	}
	c.qmu.Unlock()
	q.push(job)
}
