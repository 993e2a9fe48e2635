package docs

import (
	"context"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"gorm.io/gorm"
)

type Document struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint64    `gorm:"index;not null" json:"-"`
	ObjectKey   string    `gorm:"type:varchar(512);uniqueIndex;not null" json:"objectKey"`
	FileName    string    `gorm:"type:varchar(255);not null" json:"fileName"`
	ContentType string    `gorm:"type:varchar(128);not null" json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (Document) TableName() string { return "documents" }

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateDocument(ctx context.Context, d *Document) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) ListDocumentsByUser(ctx context.Context, userID uint64) ([]Document, error) {
	out := make([]Document, 0)
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Presigner issues V4 signed PUT URLs so clients upload directly to the
// bucket; the backend never proxies file bytes.
type Presigner struct {
	client *storage.Client
	bucket string
	ttl    time.Duration
}

func NewPresigner(client *storage.Client, bucket string, ttl time.Duration) *Presigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Presigner{client: client, bucket: bucket, ttl: ttl}
}

func (p *Presigner) UploadURL(objectKey, contentType string) (string, error) {
	return p.client.Bucket(p.bucket).SignedURL(objectKey, &storage.SignedURLOptions{
		Scheme:      storage.SigningSchemeV4,
		Method:      http.MethodPut,
		Expires:     time.Now().Add(p.ttl),
		ContentType: contentType,
	})
}
