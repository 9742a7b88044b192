package mocks

import (
	"context"
	"sync"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/service"
)

// MockImportService is a mock implementation of ImportService
type MockImportService struct {
	mu            sync.Mutex
	SubmitFunc    func(ctx context.Context, req *models.ImportRequest) (*models.ImportJob, error)
	CancelFunc    func(ctx context.Context, jobID string) (bool, error)
	ResetFunc     func(ctx context.Context, sessionID string) (string, error)
	Submitted     []*models.ImportRequest
	Cancelled     []string
	ResetSessions []string
}

// Verify interface compliance
var _ service.ImportService = (*MockImportService)(nil)

func NewMockImportService() *MockImportService {
	return &MockImportService{}
}

func (m *MockImportService) Submit(ctx context.Context, req *models.ImportRequest) (*models.ImportJob, error) {
	m.mu.Lock()
	m.Submitted = append(m.Submitted, req)
	fn := m.SubmitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &models.ImportJob{
		ID:             "test-job-id",
		FileID:         req.FileID,
		SessionID:      req.SessionID,
		OrganizationID: req.OrganizationID,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		Stage:          models.StageParsing,
		Errors:         []string{},
		Message:        "Upload accepted",
	}, nil
}

func (m *MockImportService) Cancel(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	m.Cancelled = append(m.Cancelled, jobID)
	fn := m.CancelFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, jobID)
	}
	return true, nil
}

func (m *MockImportService) ResetSession(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	m.ResetSessions = append(m.ResetSessions, sessionID)
	fn := m.ResetFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID)
	}
	return "", nil
}

// MockJobService is a mock implementation of JobService
type MockJobService struct {
	mu     sync.Mutex
	Jobs   map[string]*models.ImportJob
	Errors map[string][]models.RowError
	Failed int
}

// Verify interface compliance
var _ service.JobService = (*MockJobService)(nil)

func NewMockJobService() *MockJobService {
	return &MockJobService{
		Jobs:   make(map[string]*models.ImportJob),
		Errors: make(map[string][]models.RowError),
	}
}

// AddJob registers a job returned by the lookups
func (m *MockJobService) AddJob(job *models.ImportJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Jobs[job.ID] = job
}

func (m *MockJobService) Start(ctx context.Context) {}

func (m *MockJobService) Stop() {}

func (m *MockJobService) GetJob(ctx context.Context, id string) (*models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.Jobs[id]
	if !ok {
		return nil, service.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *MockJobService) GetJobByFileID(ctx context.Context, fileID string) (*models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.Jobs {
		if job.FileID == fileID {
			return job.Clone(), nil
		}
	}
	return nil, service.ErrJobNotFound
}

func (m *MockJobService) GetJobErrors(ctx context.Context, id string, limit int) ([]models.RowError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Jobs[id]; !ok {
		return nil, service.ErrJobNotFound
	}
	errors := append([]models.RowError{}, m.Errors[id]...)
	if limit > 0 && len(errors) > limit {
		return errors[:limit], nil
	}
	return errors, nil
}

func (m *MockJobService) FailUnfinished(ctx context.Context) (int, error) {
	return m.Failed, nil
}

func (m *MockJobService) Stats() service.JobStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return service.JobStats{Active: len(m.Jobs), MaxWorkers: 1}
}
