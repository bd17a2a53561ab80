package data

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ArtistPO represents the database model. The scraper side owns these
// rows; the archive only reads them for search filters.
type ArtistPO struct {
	ID        string    `gorm:"type:uuid;primarykey"`
	Name      string    `gorm:"size:255;not null"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ArtistPO) TableName() string {
	return "artists"
}

// ArtistURLPO binds an artist to one identity on one source site
type ArtistURLPO struct {
	ID        string    `gorm:"type:uuid;primarykey"`
	ArtistID  string    `gorm:"type:uuid;not null;index"`
	SiteType  string    `gorm:"size:50;not null;index"`
	URL       string    `gorm:"size:2048;not null"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (ArtistURLPO) TableName() string {
	return "artist_urls"
}

// SubmissionPO is one scraped post; its files are the archive's units of
// work.
type SubmissionPO struct {
	ID          string    `gorm:"type:uuid;primarykey"`
	ArtistURLID string    `gorm:"type:uuid;not null;index"`
	SiteID      string    `gorm:"size:255;not null"`
	Title       string    `gorm:"size:1024"`
	Description string    `gorm:"type:text"`
	PostedAt    time.Time `gorm:"index"`
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SubmissionPO) TableName() string {
	return "submissions"
}

// AutoMigrate creates or upgrades the archive tables
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(
		&ArtistPO{},
		&ArtistURLPO{},
		&SubmissionPO{},
		&SubmissionFilePO{},
		&MatchPO{},
	)
}
