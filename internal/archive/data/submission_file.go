package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/artvault/artvault/internal/archive/biz"
)

// SubmissionFilePO represents the database model
type SubmissionFilePO struct {
	ID              string    `gorm:"type:uuid;primarykey"`
	SubmissionID    string    `gorm:"type:uuid;not null;index"`
	ContentType     string    `gorm:"size:100;not null"`
	Width           int       `gorm:"not null;default:0"`
	Height          int       `gorm:"not null;default:0"`
	Size            int64     `gorm:"not null;default:0"`
	DirectURL       string    `gorm:"size:2048"`
	CreatedAtOnSite time.Time `gorm:"index"`
	FileIndex       int       `gorm:"not null;default:0"`
	ContentHash     string    `gorm:"size:32;not null;index"`
	HashGroup       string    `gorm:"size:64;index"`
	OriginalKey     string    `gorm:"size:255;not null"`
	VariantKey      string    `gorm:"size:255"`
	CreatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (SubmissionFilePO) TableName() string {
	return "submission_files"
}

// SubmissionFileRepo implements biz.SubmissionFileRepo
type SubmissionFileRepo struct {
	db *gorm.DB
}

func NewSubmissionFileRepo(db *gorm.DB) biz.SubmissionFileRepo {
	return &SubmissionFileRepo{db: db}
}

func (r *SubmissionFileRepo) Create(ctx context.Context, file *biz.SubmissionFile) error {
	po := toSubmissionFilePO(file)
	return r.db.WithContext(ctx).Create(po).Error
}

func (r *SubmissionFileRepo) GetByID(ctx context.Context, id string) (*biz.SubmissionFile, error) {
	var po SubmissionFilePO
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&po).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, biz.ErrFileNotFound
		}
		return nil, err
	}
	return toSubmissionFile(&po), nil
}

func (r *SubmissionFileRepo) GetByIDs(ctx context.Context, ids []string) ([]*biz.SubmissionFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var pos []SubmissionFilePO
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&pos).Error; err != nil {
		return nil, err
	}
	files := make([]*biz.SubmissionFile, len(pos))
	for i := range pos {
		files[i] = toSubmissionFile(&pos[i])
	}
	return files, nil
}

func (r *SubmissionFileRepo) UpdateIndexInfo(ctx context.Context, id, variantKey, hashGroup string) error {
	result := r.db.WithContext(ctx).Model(&SubmissionFilePO{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"variant_key": variantKey,
			"hash_group":  hashGroup,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return biz.ErrFileNotFound
	}
	return nil
}

func (r *SubmissionFileRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&SubmissionFilePO{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return biz.ErrFileNotFound
	}
	return nil
}

// Search evaluates a classification query directly against the current
// match rows. Each category is a pair of EXISTS / NOT EXISTS predicates
// over submission_file_matches, so the result depends only on the match
// set at query time.
func (r *SubmissionFileRepo) Search(ctx context.Context, req *biz.SearchRequest) ([]*biz.SubmissionFile, int64, error) {
	query := r.db.WithContext(ctx).Model(&SubmissionFilePO{})

	if req.ContentType != "" {
		query = query.Where("submission_files.content_type = ?", req.ContentType)
	}
	if req.SiteType != "" || req.ArtistID != "" {
		query = query.
			Joins("JOIN submissions ON submissions.id = submission_files.submission_id").
			Joins("JOIN artist_urls ON artist_urls.id = submissions.artist_url_id")
		if req.SiteType != "" {
			query = query.Where("artist_urls.site_type = ?", req.SiteType)
		}
		if req.ArtistID != "" {
			query = query.Where("artist_urls.artist_id = ?", req.ArtistID)
		}
	}
	if req.ArtistURLID != "" {
		query = query.Where(
			"submission_files.submission_id IN (SELECT id FROM submissions WHERE artist_url_id = ?)",
			req.ArtistURLID,
		)
	}

	query = applyUploadStatus(query, req)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var pos []SubmissionFilePO
	err := query.
		Order("submission_files.created_at_on_site DESC").
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&pos).Error
	if err != nil {
		return nil, 0, err
	}

	files := make([]*biz.SubmissionFile, len(pos))
	for i := range pos {
		files[i] = toSubmissionFile(&pos[i])
	}
	return files, total, nil
}

const matchesForFile = "submission_file_matches.submission_file_id = submission_files.id"

// applyUploadStatus translates a category into its include / exclude
// predicate pair. Each pair mirrors biz.UploadStatus.Applies, which is
// the tested in-memory form of the same conditions.
func applyUploadStatus(query *gorm.DB, req *biz.SearchRequest) *gorm.DB {
	switch req.UploadStatus {
	case biz.StatusLargerOnlyFilesizeKB:
		return query.
			Where(existsMatch("submission_files.size - ? > submission_file_matches.post_size AND NOT submission_file_matches.post_deleted"), req.ThresholdBytes()).
			Where(notExistsMatch("submission_files.size <= submission_file_matches.post_size OR submission_file_matches.exact"))

	case biz.StatusLargerOnlyFilesizePct:
		return query.
			Where(existsMatch("submission_files.size - (submission_files.size * ? / 100) > submission_file_matches.post_size AND NOT submission_file_matches.post_deleted"), req.Threshold).
			Where(notExistsMatch("submission_files.size <= submission_file_matches.post_size OR submission_file_matches.exact"))

	case biz.StatusLargerOnlyDimensions:
		return query.
			Where(existsMatch("submission_files.width > submission_file_matches.post_width AND submission_files.height > submission_file_matches.post_height AND NOT submission_file_matches.post_deleted")).
			Where(notExistsMatch("(submission_files.width <= submission_file_matches.post_width AND submission_files.height <= submission_file_matches.post_height) OR submission_file_matches.exact"))

	case biz.StatusExactMatchExists:
		return query.Where(existsMatch("submission_file_matches.exact"))

	case biz.StatusExactMatchDoesntExist:
		return query.Where(notExistsMatch("submission_file_matches.exact"))

	case biz.StatusAlreadyUploaded:
		return query.Where(existsMatch(""))

	case biz.StatusNotUploaded:
		return query.Where(notExistsMatch(""))
	}

	return query
}

func existsMatch(cond string) string {
	return "EXISTS (" + matchSubquery(cond) + ")"
}

func notExistsMatch(cond string) string {
	return "NOT EXISTS (" + matchSubquery(cond) + ")"
}

func matchSubquery(cond string) string {
	sub := "SELECT 1 FROM submission_file_matches WHERE " + matchesForFile
	if cond != "" {
		sub += fmt.Sprintf(" AND (%s)", cond)
	}
	return sub
}

func toSubmissionFilePO(file *biz.SubmissionFile) *SubmissionFilePO {
	return &SubmissionFilePO{
		ID:              file.ID,
		SubmissionID:    file.SubmissionID,
		ContentType:     file.ContentType,
		Width:           file.Width,
		Height:          file.Height,
		Size:            file.Size,
		DirectURL:       file.DirectURL,
		CreatedAtOnSite: file.CreatedAtOnSite,
		FileIndex:       file.FileIndex,
		ContentHash:     file.ContentHash,
		HashGroup:       file.HashGroup,
		OriginalKey:     file.OriginalKey,
		VariantKey:      file.VariantKey,
		CreatedAt:       file.CreatedAt,
		UpdatedAt:       file.UpdatedAt,
	}
}

func toSubmissionFile(po *SubmissionFilePO) *biz.SubmissionFile {
	return &biz.SubmissionFile{
		ID:              po.ID,
		SubmissionID:    po.SubmissionID,
		ContentType:     po.ContentType,
		Width:           po.Width,
		Height:          po.Height,
		Size:            po.Size,
		DirectURL:       po.DirectURL,
		CreatedAtOnSite: po.CreatedAtOnSite,
		FileIndex:       po.FileIndex,
		ContentHash:     po.ContentHash,
		HashGroup:       po.HashGroup,
		OriginalKey:     po.OriginalKey,
		VariantKey:      po.VariantKey,
		CreatedAt:       po.CreatedAt,
		UpdatedAt:       po.UpdatedAt,
	}
}
