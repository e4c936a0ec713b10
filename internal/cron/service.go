// Package cron schedules recurring prompts: each configured job fires its
// prompt into a chat on a cron expression, going through the same run path
// as a user message.
package cron

import (
	"context"
	"fmt"
	"log"
	"sync"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/mediaclaw/internal/config"
)

type Service struct {
	mu       sync.Mutex
	jobs     []config.CronJob
	OnJob    func(ctx context.Context, job config.CronJob) error
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID // job name -> cron entry ID
	cancel   context.CancelFunc
}

func NewService(jobs []config.CronJob) *Service {
	return &Service{
		jobs:     jobs,
		entryMap: make(map[string]rcron.EntryID),
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	s.cron = rcron.New()

	for _, job := range s.jobs {
		if err := s.registerJob(runCtx, job); err != nil {
			cancel()
			return err
		}
	}

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", len(s.entryMap))
	return nil
}

func (s *Service) registerJob(ctx context.Context, job config.CronJob) error {
	if job.Name == "" || job.Schedule == "" || job.Prompt == "" {
		return fmt.Errorf("cron job needs name, schedule and prompt: %+v", job)
	}

	jobCopy := job
	id, err := s.cron.AddFunc(job.Schedule, func() {
		s.executeJob(ctx, jobCopy)
	})
	if err != nil {
		return fmt.Errorf("register cron job %s (%s): %w", job.Name, job.Schedule, err)
	}
	s.entryMap[job.Name] = id
	return nil
}

func (s *Service) executeJob(ctx context.Context, job config.CronJob) {
	log.Printf("[cron] executing job %s", job.Name)

	if s.OnJob == nil {
		log.Printf("[cron] no OnJob handler set")
		return
	}
	if err := s.OnJob(ctx, job); err != nil {
		log.Printf("[cron] job %s failed: %v", job.Name, err)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.cron != nil {
		sctx := s.cron.Stop()
		<-sctx.Done()
		s.cron = nil
	}
	log.Printf("[cron] stopped")
}

// Jobs returns the configured job list.
func (s *Service) Jobs() []config.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]config.CronJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}
