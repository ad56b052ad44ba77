package usecase_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// memJobs is an in-memory JobRepository with injectable failures.
type memJobs struct {
	mu        sync.Mutex
	jobs      map[string]domain.Job
	createErr error
	updateErr error
	deleted   []string
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]domain.Job{}} }

func (m *memJobs) put(j domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

func (m *memJobs) Create(_ context.Context, j domain.Job) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j.CreatedAt = time.Now().UTC()
	j.UpdatedAt = j.CreatedAt
	m.jobs[j.ID] = j
	return j.ID, nil
}

func (m *memJobs) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return j, nil
}

func applyUpdate(j *domain.Job, u domain.JobUpdate) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil && *u.Progress > j.Progress {
		j.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		j.CurrentStep = *u.CurrentStep
	}
	if u.StartedAt != nil {
		j.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		j.CompletedAt = u.CompletedAt
	}
	if u.ProcessingTimeMS != nil {
		j.ProcessingTimeMS = *u.ProcessingTimeMS
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
	if u.Attempts != nil {
		j.Attempts = *u.Attempts
	}
	j.UpdatedAt = time.Now().UTC()
}

func (m *memJobs) Update(_ context.Context, id string, u domain.JobUpdate) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.update: %w", domain.ErrNotFound)
	}
	applyUpdate(&j, u)
	m.jobs[id] = j
	return nil
}

func (m *memJobs) Finish(_ context.Context, id string, status domain.JobStatus, u domain.JobUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("op=job.finish: %w", domain.ErrNotFound)
	}
	if j.Status.Terminal() {
		return false, nil
	}
	u.Status = &status
	applyUpdate(&j, u)
	m.jobs[id] = j
	return true, nil
}

func (m *memJobs) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memJobs) ListStale(_ context.Context, cutoff time.Time, offset, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Job
	for _, j := range m.jobs {
		if !j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memJobs) CountByStatus(_ context.Context, status domain.JobStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

// memLedger mirrors the reserve/release/finalize protocol in memory.
type memLedger struct {
	mu         sync.Mutex
	balances   map[string]int
	holds      map[string]int  // user|job -> reserved amount
	settled    map[string]bool // user|job -> released or finalized
	reserveErr error
	releases   []string
	finalizes  []string
}

func newMemLedger(balances map[string]int) *memLedger {
	if balances == nil {
		balances = map[string]int{}
	}
	return &memLedger{balances: balances, holds: map[string]int{}, settled: map[string]bool{}}
}

func key(userID, jobID string) string { return userID + "|" + jobID }

func (m *memLedger) Reserve(_ context.Context, userID, jobID string, amount int) error {
	if m.reserveErr != nil {
		return m.reserveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, jobID)
	if _, ok := m.holds[k]; ok {
		return nil
	}
	if m.balances[userID] < amount {
		return fmt.Errorf("op=ledger.reserve: %w: required %d, available %d",
			domain.ErrInsufficientCredits, amount, m.balances[userID])
	}
	m.balances[userID] -= amount
	m.holds[k] = amount
	return nil
}

func (m *memLedger) Release(_ context.Context, userID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, jobID)
	m.releases = append(m.releases, k)
	if hold, ok := m.holds[k]; ok && !m.settled[k] {
		m.balances[userID] += hold
		m.settled[k] = true
	}
	return nil
}

func (m *memLedger) Finalize(_ context.Context, userID, jobID string, finalAmount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(userID, jobID)
	m.finalizes = append(m.finalizes, k)
	if hold, ok := m.holds[k]; ok && !m.settled[k] {
		m.balances[userID] += hold - finalAmount
		m.settled[k] = true
	}
	return nil
}

func (m *memLedger) Balance(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

// memQueue records enqueued payloads.
type memQueue struct {
	mu       sync.Mutex
	enqueued []domain.WorkPayload
	err      error
	removed  []string
}

func (m *memQueue) Enqueue(_ context.Context, p domain.WorkPayload) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, p)
	return p.JobID, nil
}

func (m *memQueue) Remove(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, jobID)
	return nil
}

// memNotifier captures delivered notices.
type memNotifier struct {
	mu      sync.Mutex
	notices []domain.TerminalNotice
}

func (m *memNotifier) Notify(_ context.Context, _ string, n domain.TerminalNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, n)
	return nil
}

func (m *memNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.notices)
}

// memBlob records uploads and deletes.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string
}

func newMemBlob() *memBlob { return &memBlob{objects: map[string][]byte{}} }

func (m *memBlob) Upload(_ context.Context, bucket, path, _ string, data []byte, _ bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+path] = data
	return "http://blob/" + bucket + "/" + path, nil
}

func (m *memBlob) List(_ context.Context, bucket, prefix string, _ int) ([]string, error) {
	return nil, nil
}

func (m *memBlob) Delete(_ context.Context, bucket, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, bucket+"/"+path)
	return nil
}
