package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled batch task.
type Job struct {
	Name string
	Expr string // 5-field cron expression
	Run  func(ctx context.Context) error
}

// Scheduler drives the batch jobs on cron expressions. Each job runs in its
// own timer loop; a tick that fires while the previous run is still going
// simply waits on the batch mutex inside the job.
type Scheduler struct {
	jobs   []Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(jobs ...Job) (*Scheduler, error) {
	gx := gronx.New()
	for _, job := range jobs {
		if !gx.IsValid(job.Expr) {
			return nil, fmt.Errorf("invalid cron expression %q for job %s", job.Expr, job.Name)
		}
	}
	return &Scheduler{jobs: jobs}, nil
}

func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, job)
	}
	log.Printf("Scheduler started with %d job(s).", len(s.jobs))
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()
	for {
		next, err := gronx.NextTickAfter(job.Expr, time.Now(), false)
		if err != nil {
			log.Printf("Error: job %s: failed to compute next run: %v", job.Name, err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := job.Run(ctx); err != nil {
			log.Printf("Warning: scheduled job %q failed: %v", job.Name, err)
		}
	}
}
