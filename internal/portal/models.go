package portal

import "time"

type Company struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Website   string    `gorm:"type:varchar(255)" json:"website"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Company) TableName() string { return "companies" }

type Project struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID   uint64    `gorm:"index;not null" json:"companyId"`
	Name        string    `gorm:"type:varchar(255);not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Status      string    `gorm:"type:varchar(32);not null;default:active" json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Project) TableName() string { return "projects" }

type Milestone struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID uint64     `gorm:"index;not null" json:"projectId"`
	Title     string     `gorm:"type:varchar(255);not null" json:"title"`
	DueDate   *time.Time `json:"dueDate"`
	Completed bool       `gorm:"not null;default:false" json:"completed"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (Milestone) TableName() string { return "milestones" }

type Event struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID uint64     `gorm:"index;not null" json:"projectId"`
	Title     string     `gorm:"type:varchar(255);not null" json:"title"`
	Location  string     `gorm:"type:varchar(255)" json:"location"`
	StartsAt  time.Time  `gorm:"index;not null" json:"startsAt"`
	EndsAt    *time.Time `json:"endsAt"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (Event) TableName() string { return "events" }
