package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/repository"
)

// Verify interface compliance
var (
	_ repository.ContactRepository = (*MockContactRepository)(nil)
	_ repository.JobRepository     = (*MockJobRepository)(nil)
)

// MockContactRepository is an in-memory ContactRepository keyed by
// organization and normalized email
type MockContactRepository struct {
	mu       sync.Mutex
	Contacts map[models.DedupKey]*models.Contact
	nextID   int

	FindFunc    func(ctx context.Context, organizationID string, emailKeys []string) ([]*models.Contact, error)
	InsertFunc  func(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error)
	RestoreFunc func(ctx context.Context, organizationID string, restores []models.RestoreCandidate) (int, error)

	FindCalls    int
	InsertCalls  int
	RestoreCalls int
	// LookupSizes records the number of keys of every FindByEmailKeys call
	LookupSizes []int
}

func NewMockContactRepository() *MockContactRepository {
	return &MockContactRepository{
		Contacts: make(map[models.DedupKey]*models.Contact),
	}
}

// Seed stores a contact as if it already existed
func (m *MockContactRepository) Seed(c *models.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.EmailKey == "" {
		c.EmailKey = models.NormalizeEmail(c.Email)
	}
	if c.ID == "" {
		m.nextID++
		c.ID = fmt.Sprintf("contact-%d", m.nextID)
	}
	m.Contacts[models.NewDedupKey(c.OrganizationID, c.Email)] = c
}

// Get returns the stored contact for an email, or nil
func (m *MockContactRepository) Get(organizationID, email string) *models.Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Contacts[models.NewDedupKey(organizationID, email)]
}

// Count returns the number of stored contacts, soft-deleted ones included
func (m *MockContactRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Contacts)
}

func (m *MockContactRepository) FindByEmailKeys(ctx context.Context, organizationID string, emailKeys []string) ([]*models.Contact, error) {
	m.mu.Lock()
	m.FindCalls++
	m.LookupSizes = append(m.LookupSizes, len(emailKeys))
	fn := m.FindFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, organizationID, emailKeys)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var found []*models.Contact
	for _, key := range emailKeys {
		if c, ok := m.Contacts[models.DedupKey{OrganizationID: organizationID, Email: key}]; ok {
			copied := *c
			found = append(found, &copied)
		}
	}
	return found, nil
}

func (m *MockContactRepository) InsertContacts(ctx context.Context, organizationID string, rows []*models.ContactRow) (int, error) {
	m.mu.Lock()
	m.InsertCalls++
	fn := m.InsertFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, organizationID, rows)
	}
	return m.Insert(organizationID, rows), nil
}

// Insert stores rows that do not collide with an existing key and returns
// how many were stored
func (m *MockContactRepository) Insert(organizationID string, rows []*models.ContactRow) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	inserted := 0
	for _, row := range rows {
		key := models.NewDedupKey(organizationID, row.Email)
		if _, exists := m.Contacts[key]; exists {
			continue
		}
		m.nextID++
		m.Contacts[key] = row.ToContact(fmt.Sprintf("contact-%d", m.nextID), organizationID, now)
		inserted++
	}
	return inserted
}

func (m *MockContactRepository) RestoreContacts(ctx context.Context, organizationID string, restores []models.RestoreCandidate) (int, error) {
	m.mu.Lock()
	m.RestoreCalls++
	fn := m.RestoreFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, organizationID, restores)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, rc := range restores {
		c, ok := m.Contacts[models.NewDedupKey(organizationID, rc.Row.Email)]
		if !ok || c.ID != rc.ContactID || !c.IsDeleted() {
			continue
		}
		c.DeletedAt = nil
		if rc.Row.FirstName != "" {
			c.FirstName = rc.Row.FirstName
		}
		if rc.Row.LastName != "" {
			c.LastName = rc.Row.LastName
		}
		c.UpdatedAt = time.Now()
		restored++
	}
	return restored, nil
}

// MockJobRepository is a mock implementation of JobRepository
type MockJobRepository struct {
	mu          sync.Mutex
	Jobs        map[string]*models.ImportJob
	Errors      map[string][]models.RowError
	CreateError error
	UpdateError error
	// Updates counts Update calls per job
	Updates map[string]int
}

func NewMockJobRepository() *MockJobRepository {
	return &MockJobRepository{
		Jobs:    make(map[string]*models.ImportJob),
		Errors:  make(map[string][]models.RowError),
		Updates: make(map[string]int),
	}
}

func (m *MockJobRepository) Create(ctx context.Context, job *models.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateError != nil {
		return m.CreateError
	}
	m.Jobs[job.ID] = job.Clone()
	return nil
}

func (m *MockJobRepository) Update(ctx context.Context, job *models.ImportJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.Jobs[job.ID] = job.Clone()
	m.Updates[job.ID]++
	return nil
}

func (m *MockJobRepository) GetByID(ctx context.Context, id string) (*models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.Jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (m *MockJobRepository) GetByFileID(ctx context.Context, fileID string) (*models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.Jobs {
		if job.FileID == fileID {
			return job.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MockJobRepository) FailUnfinished(ctx context.Context, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := 0
	for _, job := range m.Jobs {
		if job.Terminal() {
			continue
		}
		job.Stage = models.StageFailed
		job.Message = message
		failed++
	}
	return failed, nil
}

// AddErrors rejects invalid UTF-8 the way a UTF8-encoded PostgreSQL column does
func (m *MockJobRepository) AddErrors(ctx context.Context, jobID string, errors []models.RowError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range errors {
		if !utf8.ValidString(e.Field) || !utf8.ValidString(e.Message) || !utf8.ValidString(e.Value) {
			return fmt.Errorf("invalid byte sequence for encoding \"UTF8\" in row %d", e.Row)
		}
	}
	m.Errors[jobID] = append(m.Errors[jobID], errors...)
	return nil
}

func (m *MockJobRepository) GetErrors(ctx context.Context, jobID string, limit int) ([]models.RowError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	errors := append([]models.RowError(nil), m.Errors[jobID]...)
	if limit > 0 && len(errors) > limit {
		return errors[:limit], nil
	}
	return errors, nil
}

// Job returns the last stored copy of a job
func (m *MockJobRepository) Job(id string) *models.ImportJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.Jobs[id]; ok {
		return job.Clone()
	}
	return nil
}
