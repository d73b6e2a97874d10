package scheduler

import "sync"

// deque is a double-ended job queue. The owning worker pops from the head;
// thieves take from the tail.
type deque struct {
	mu   sync.Mutex
	jobs []*Job
}

func (d *deque) pushTail(jobs ...*Job) {
	d.mu.Lock()
	d.jobs = append(d.jobs, jobs...)
	d.mu.Unlock()
}

func (d *deque) popHead() *Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.jobs) == 0 {
		return nil
	}
	j := d.jobs[0]
	d.jobs[0] = nil
	d.jobs = d.jobs[1:]
	return j
}

// stealHalf removes up to half of the queued jobs (at least one) from the
// tail. The returned slice keeps queue order.
func (d *deque) stealHalf() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.jobs)
	if n == 0 {
		return nil
	}
	take := (n + 1) / 2
	stolen := make([]*Job, take)
	copy(stolen, d.jobs[n-take:])
	for i := n - take; i < n; i++ {
		d.jobs[i] = nil
	}
	d.jobs = d.jobs[:n-take]
	return stolen
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *deque) drain() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := d.jobs
	d.jobs = nil
	return jobs
}
