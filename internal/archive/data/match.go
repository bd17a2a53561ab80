package data

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/artvault/artvault/internal/archive/biz"
)

// RawJSON stores an opaque JSON document in a jsonb column
type RawJSON json.RawMessage

func (j *RawJSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = RawJSON(v)
	}
	return nil
}

func (j RawJSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// MatchPO represents the database model
type MatchPO struct {
	ID               int64     `gorm:"primarykey;autoIncrement"`
	SubmissionFileID string    `gorm:"type:uuid;not null;index"`
	PostID           int64     `gorm:"not null;index"`
	PostWidth        int       `gorm:"not null;default:0"`
	PostHeight       int       `gorm:"not null;default:0"`
	PostSize         int64     `gorm:"not null;default:0"`
	PostDeleted      bool      `gorm:"not null;default:false"`
	PostHash         string    `gorm:"size:32"`
	Score            float64   `gorm:"not null;default:0"`
	Exact            bool      `gorm:"not null;default:false"`
	Raw              RawJSON   `gorm:"type:jsonb"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (MatchPO) TableName() string {
	return "submission_file_matches"
}

// MatchRepo implements biz.MatchRepo
type MatchRepo struct {
	db *gorm.DB
}

func NewMatchRepo(db *gorm.DB) biz.MatchRepo {
	return &MatchRepo{db: db}
}

// Replace rebuilds the file's match rows and applies group upgrades in
// one transaction. The upgrade step flips existing non-exact rows of
// sibling files in the same hash group, so exactness converges no matter
// which file of the group resolved first.
func (r *MatchRepo) Replace(ctx context.Context, fileID string, matches []*biz.Match, upgrades []biz.GroupUpgrade) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("submission_file_id = ?", fileID).Delete(&MatchPO{}).Error; err != nil {
			return err
		}

		if len(matches) > 0 {
			pos := make([]*MatchPO, len(matches))
			for i, m := range matches {
				pos[i] = toMatchPO(m)
			}
			if err := tx.Create(pos).Error; err != nil {
				return err
			}
			for i, po := range pos {
				matches[i].ID = po.ID
			}
		}

		for _, up := range upgrades {
			err := tx.Model(&MatchPO{}).
				Where("post_id = ? AND NOT exact", up.PostID).
				Where("submission_file_id IN (SELECT id FROM submission_files WHERE hash_group = ?)", up.HashGroup).
				Update("exact", true).Error
			if err != nil {
				return err
			}
		}

		return nil
	})
}

func (r *MatchRepo) DeleteForFile(ctx context.Context, fileID string) error {
	return r.db.WithContext(ctx).Where("submission_file_id = ?", fileID).Delete(&MatchPO{}).Error
}

func (r *MatchRepo) ListForFile(ctx context.Context, fileID string) ([]*biz.Match, error) {
	var pos []MatchPO
	err := r.db.WithContext(ctx).
		Where("submission_file_id = ?", fileID).
		Order("score DESC").
		Find(&pos).Error
	if err != nil {
		return nil, err
	}
	matches := make([]*biz.Match, len(pos))
	for i := range pos {
		matches[i] = toMatch(&pos[i])
	}
	return matches, nil
}

func (r *MatchRepo) GroupExactExists(ctx context.Context, hashGroup string, postID int64) (bool, error) {
	if hashGroup == "" {
		return false, nil
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&MatchPO{}).
		Where("post_id = ? AND exact", postID).
		Where("submission_file_id IN (SELECT id FROM submission_files WHERE hash_group = ?)", hashGroup).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func toMatchPO(m *biz.Match) *MatchPO {
	return &MatchPO{
		ID:               m.ID,
		SubmissionFileID: m.SubmissionFileID,
		PostID:           m.PostID,
		PostWidth:        m.PostWidth,
		PostHeight:       m.PostHeight,
		PostSize:         m.PostSize,
		PostDeleted:      m.PostDeleted,
		PostHash:         m.PostHash,
		Score:            m.Score,
		Exact:            m.Exact,
		Raw:              RawJSON(m.Raw),
		CreatedAt:        m.CreatedAt,
	}
}

func toMatch(po *MatchPO) *biz.Match {
	return &biz.Match{
		ID:               po.ID,
		SubmissionFileID: po.SubmissionFileID,
		PostID:           po.PostID,
		PostWidth:        po.PostWidth,
		PostHeight:       po.PostHeight,
		PostSize:         po.PostSize,
		PostDeleted:      po.PostDeleted,
		PostHash:         po.PostHash,
		Score:            po.Score,
		Exact:            po.Exact,
		Raw:              json.RawMessage(po.Raw),
		CreatedAt:        po.CreatedAt,
	}
}
