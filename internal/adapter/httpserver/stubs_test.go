package httpserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// stubJobs is a map-backed JobRepository for handler tests.
type stubJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newStubJobs() *stubJobs { return &stubJobs{jobs: map[string]domain.Job{}} }

func (s *stubJobs) put(j domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
}

func (s *stubJobs) Create(_ context.Context, j domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *stubJobs) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func (s *stubJobs) apply(j *domain.Job, u domain.JobUpdate) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil && *u.Progress > j.Progress {
		j.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		j.CurrentStep = *u.CurrentStep
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	if u.OutputURL != nil {
		j.OutputURL = *u.OutputURL
	}
	if u.OutputFilename != nil {
		j.OutputFilename = *u.OutputFilename
	}
	if u.OutputSizeBytes != nil {
		j.OutputSizeBytes = *u.OutputSizeBytes
	}
	if u.ExpiresAt != nil {
		j.ExpiresAt = u.ExpiresAt
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorCode != nil {
		j.ErrorCode = *u.ErrorCode
	}
	if u.ProcessingTimeMS != nil {
		j.ProcessingTimeMS = *u.ProcessingTimeMS
	}
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	j.UpdatedAt = time.Now().UTC()
}

func (s *stubJobs) Update(_ context.Context, id string, u domain.JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	s.apply(&j, u)
	s.jobs[id] = j
	return nil
}

func (s *stubJobs) Finish(_ context.Context, id string, status domain.JobStatus, u domain.JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("op=job.finish: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return false, nil
	}
	u.Status = &status
	s.apply(&j, u)
	s.jobs[id] = j
	return true, nil
}

func (s *stubJobs) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *stubJobs) ListStale(_ context.Context, _ time.Time, _, _ int) ([]domain.Job, error) {
	return nil, nil
}

func (s *stubJobs) CountByStatus(_ context.Context, status domain.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

// stubLedger implements the reserve/release/finalize protocol in memory.
type stubLedger struct {
	mu       sync.Mutex
	balances map[string]int
	holds    map[string]int
	settled  map[string]bool
}

func newStubLedger(balances map[string]int) *stubLedger {
	if balances == nil {
		balances = map[string]int{}
	}
	return &stubLedger{balances: balances, holds: map[string]int{}, settled: map[string]bool{}}
}

func (s *stubLedger) Reserve(_ context.Context, userID, jobID string, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userID + "|" + jobID
	if _, ok := s.holds[k]; ok {
		return nil
	}
	if s.balances[userID] < amount {
		return fmt.Errorf("op=ledger.reserve: %w: required %d, available %d",
			domain.ErrInsufficientCredits, amount, s.balances[userID])
	}
	s.balances[userID] -= amount
	s.holds[k] = amount
	return nil
}

func (s *stubLedger) Release(_ context.Context, userID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userID + "|" + jobID
	if hold, ok := s.holds[k]; ok && !s.settled[k] {
		s.balances[userID] += hold
		s.settled[k] = true
	}
	return nil
}

func (s *stubLedger) Finalize(_ context.Context, userID, jobID string, finalAmount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userID + "|" + jobID
	if hold, ok := s.holds[k]; ok && !s.settled[k] {
		s.balances[userID] += hold - finalAmount
		s.settled[k] = true
	}
	return nil
}

func (s *stubLedger) Balance(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

// stubQueue records enqueued payloads.
type stubQueue struct {
	mu       sync.Mutex
	enqueued []domain.WorkPayload
	removed  []string
}

func (s *stubQueue) Enqueue(_ context.Context, p domain.WorkPayload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, p)
	return p.JobID, nil
}

func (s *stubQueue) Remove(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, jobID)
	return nil
}

// stubBlob records uploads and deletes.
type stubBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string
}

func newStubBlob() *stubBlob { return &stubBlob{objects: map[string][]byte{}} }

func (s *stubBlob) Upload(_ context.Context, bucket, path, _ string, data []byte, _ bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+path] = data
	return "http://blob/" + bucket + "/" + path, nil
}

func (s *stubBlob) List(_ context.Context, _, _ string, _ int) ([]string, error) { return nil, nil }

func (s *stubBlob) Delete(_ context.Context, bucket, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, bucket+"/"+path)
	return nil
}
