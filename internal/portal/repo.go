package portal

import (
	"context"

	"gorm.io/gorm"
)

// Repo is plain pass-through CRUD; nothing here carries business rules.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateCompany(ctx context.Context, c *Company) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *Repo) GetCompany(ctx context.Context, id uint64) (*Company, error) {
	var c Company
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListCompanies(ctx context.Context) ([]Company, error) {
	out := make([]Company, 0)
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) CreateProject(ctx context.Context, p *Project) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repo) GetProject(ctx context.Context, id uint64) (*Project, error) {
	var p Project
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repo) ListProjects(ctx context.Context, companyID uint64) ([]Project, error) {
	out := make([]Project, 0)
	q := r.db.WithContext(ctx).Order("id ASC")
	if companyID > 0 {
		q = q.Where("company_id = ?", companyID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) CreateMilestone(ctx context.Context, m *Milestone) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) ListMilestones(ctx context.Context, projectID uint64) ([]Milestone, error) {
	out := make([]Milestone, 0)
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) CreateEvent(ctx context.Context, e *Event) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *Repo) ListEvents(ctx context.Context, projectID uint64) ([]Event, error) {
	out := make([]Event, 0)
	if err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("starts_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
