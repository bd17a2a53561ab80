package biz

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/artvault/artvault/internal/iqdb"
	"github.com/artvault/artvault/internal/media"
	"github.com/artvault/artvault/internal/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmissionFile is one ingested media artifact belonging to exactly one
// originating submission. ContentHash is the MD5 of the original bytes;
// HashGroup is the perceptual signature assigned by the similarity
// service when the variant is indexed, and stays empty until the first
// successful similarity pass.
type SubmissionFile struct {
	ID              string
	SubmissionID    string
	ContentType     string
	Width           int
	Height          int
	Size            int64
	DirectURL       string
	CreatedAtOnSite time.Time
	FileIndex       int
	ContentHash     string
	HashGroup       string
	OriginalKey     string
	VariantKey      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CanIndex reports whether this file's content type is accepted by the
// similarity index.
func (f *SubmissionFile) CanIndex() bool {
	return media.CanIndex(f.ContentType)
}

// NotYetClassified reports whether this file is indexable but has never
// completed a similarity pass. Callers that care must treat an empty
// match set on such a file as "not yet classified", not "confirmed
// unique": a crash between match discard and rewrite leaves exactly this
// state until the next trigger.
func (f *SubmissionFile) NotYetClassified() bool {
	return f.CanIndex() && f.HashGroup == ""
}

// Match is one candidate correspondence between a SubmissionFile and an
// already-catalogued external post. Exact, once true, never regresses.
type Match struct {
	ID               int64
	SubmissionFileID string
	PostID           int64
	PostWidth        int
	PostHeight       int
	PostSize         int64
	PostDeleted      bool
	PostHash         string
	Score            float64
	Exact            bool
	Raw              json.RawMessage
	CreatedAt        time.Time
}

// GroupUpgrade names a (hash group, external post) pair whose non-exact
// match rows must be upgraded to exact.
type GroupUpgrade struct {
	HashGroup string
	PostID    int64
}

// SubmissionFileRepo persists submission files
type SubmissionFileRepo interface {
	Create(ctx context.Context, file *SubmissionFile) error
	GetByID(ctx context.Context, id string) (*SubmissionFile, error)
	GetByIDs(ctx context.Context, ids []string) ([]*SubmissionFile, error)
	UpdateIndexInfo(ctx context.Context, id, variantKey, hashGroup string) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, req *SearchRequest) ([]*SubmissionFile, int64, error)
}

// MatchRepo persists similarity match rows
type MatchRepo interface {
	// Replace rebuilds the file's result set and applies group upgrades
	// in one transaction.
	Replace(ctx context.Context, fileID string, matches []*Match, upgrades []GroupUpgrade) error
	DeleteForFile(ctx context.Context, fileID string) error
	ListForFile(ctx context.Context, fileID string) ([]*Match, error)
	// GroupExactExists reports whether any submission file sharing the
	// hash group already holds an exact match for the post.
	GroupExactExists(ctx context.Context, hashGroup string, postID int64) (bool, error)
}

// ArtifactStore persists original and variant binaries
type ArtifactStore interface {
	Upload(ctx context.Context, objectKey string, data []byte, contentType string) error
	Get(ctx context.Context, objectKey string) ([]byte, error)
	Delete(ctx context.Context, objectKey string) error
}

// SimilarityClient is the protocol adapter for the external similarity
// service.
type SimilarityClient interface {
	Query(ctx context.Context, variant []byte) ([]iqdb.Candidate, error)
	QueryIndexed(ctx context.Context, variant []byte) ([]iqdb.IndexedHit, error)
	Update(ctx context.Context, ref string, variant []byte) (string, error)
	Remove(ctx context.Context, ref string) error
}

// MediaAnalyzer inspects raw media bytes
type MediaAnalyzer interface {
	Analyze(ctx context.Context, data []byte) (*media.Analysis, error)
}

// VariantGenerator produces the still-image variant
type VariantGenerator interface {
	MakeVariant(ctx context.Context, data []byte, contentType string) ([]byte, error)
}

// SubmissionFileUseCase carries the submission-file lifecycle: ingest,
// similarity resolution, classification search, destruction.
type SubmissionFileUseCase struct {
	files       SubmissionFileRepo
	matches     MatchRepo
	store       ArtifactStore
	similarity  SimilarityClient
	analyzer    MediaAnalyzer
	variants    VariantGenerator
	ignoreTypes []string
	logger      *logger.Logger
}

// NewSubmissionFileUseCase creates the use case
func NewSubmissionFileUseCase(
	files SubmissionFileRepo,
	matches MatchRepo,
	store ArtifactStore,
	similarity SimilarityClient,
	analyzer MediaAnalyzer,
	variants VariantGenerator,
	ignoreTypes []string,
	log *logger.Logger,
) *SubmissionFileUseCase {
	return &SubmissionFileUseCase{
		files:       files,
		matches:     matches,
		store:       store,
		similarity:  similarity,
		analyzer:    analyzer,
		variants:    variants,
		ignoreTypes: ignoreTypes,
		logger:      log,
	}
}

// IngestRequest is the ingestion input contract for scrapers and archive
// importers.
type IngestRequest struct {
	SubmissionID    string
	Data            []byte
	DirectURL       string
	CreatedAtOnSite time.Time
	FileIndex       int
}

// IngestFile validates and persists a raw byte stream as a submission
// file. Ignore-listed content types fail with media.ErrUnsupportedMedia
// so the caller can skip and continue. Exactly one blob survives a
// successful ingest; none survives a failed one.
func (uc *SubmissionFileUseCase) IngestFile(ctx context.Context, req *IngestRequest) (*SubmissionFile, error) {
	contentType := media.DetectContentType(req.Data)
	if media.Ignored(contentType, uc.ignoreTypes) {
		return nil, fmt.Errorf("%w: %s is on the ignore list", media.ErrUnsupportedMedia, contentType)
	}

	contentHash := md5Hex(req.Data)
	originalKey := fmt.Sprintf("originals/%s/%s", contentHash[:2], contentHash)

	if err := uc.store.Upload(ctx, originalKey, req.Data, contentType); err != nil {
		return nil, fmt.Errorf("failed to store original: %w", err)
	}

	analysis, err := uc.analyzer.Analyze(ctx, req.Data)
	if err != nil {
		// No orphaned blob may survive a failed ingest.
		if purgeErr := uc.store.Delete(ctx, originalKey); purgeErr != nil {
			uc.logger.Error("failed to purge blob after failed analysis",
				zap.String("object_key", originalKey),
				zap.Error(purgeErr),
			)
		}
		return nil, err
	}

	now := time.Now()
	file := &SubmissionFile{
		ID:              uuid.New().String(),
		SubmissionID:    req.SubmissionID,
		ContentType:     analysis.ContentType,
		Width:           analysis.Width,
		Height:          analysis.Height,
		Size:            analysis.Size,
		DirectURL:       req.DirectURL,
		CreatedAtOnSite: req.CreatedAtOnSite,
		FileIndex:       req.FileIndex,
		ContentHash:     contentHash,
		OriginalKey:     originalKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := uc.files.Create(ctx, file); err != nil {
		if purgeErr := uc.store.Delete(ctx, originalKey); purgeErr != nil {
			uc.logger.Error("failed to purge blob after failed create",
				zap.String("object_key", originalKey),
				zap.Error(purgeErr),
			)
		}
		return nil, fmt.Errorf("failed to create submission file: %w", err)
	}

	uc.logger.Info("submission file ingested",
		zap.String("file_id", file.ID),
		zap.String("content_type", file.ContentType),
		zap.Int64("size", file.Size),
	)

	return file, nil
}

// GetFile loads one submission file
func (uc *SubmissionFileUseCase) GetFile(ctx context.Context, id string) (*SubmissionFile, error) {
	return uc.files.GetByID(ctx, id)
}

// Matches lists the file's current match rows
func (uc *SubmissionFileUseCase) Matches(ctx context.Context, fileID string) ([]*Match, error) {
	return uc.matches.ListForFile(ctx, fileID)
}

// DeleteFile destroys a submission file: match rows, record and both
// blobs. It reports whether the file was indexable so the caller can
// schedule removal from the external index on the retryable path.
func (uc *SubmissionFileUseCase) DeleteFile(ctx context.Context, id string) (bool, error) {
	file, err := uc.files.GetByID(ctx, id)
	if err != nil {
		return false, err
	}

	if err := uc.matches.DeleteForFile(ctx, id); err != nil {
		return false, fmt.Errorf("failed to delete matches: %w", err)
	}
	if err := uc.files.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("failed to delete submission file: %w", err)
	}

	for _, key := range []string{file.OriginalKey, file.VariantKey} {
		if key == "" {
			continue
		}
		if err := uc.store.Delete(ctx, key); err != nil {
			uc.logger.Error("failed to delete blob for destroyed file",
				zap.String("file_id", id),
				zap.String("object_key", key),
				zap.Error(err),
			)
		}
	}

	uc.logger.Info("submission file destroyed", zap.String("file_id", id))
	return file.CanIndex(), nil
}

// RemoveFromIndex drops a destroyed file from the external similarity
// index. Executed as its own task class so failures ride the standard
// retry path instead of leaving a dangling index entry.
func (uc *SubmissionFileUseCase) RemoveFromIndex(ctx context.Context, ref string) error {
	return uc.similarity.Remove(ctx, ref)
}

// SimilarFiles returns the other submission files the similarity service
// considers close to the given one, the file's own record excluded.
func (uc *SubmissionFileUseCase) SimilarFiles(ctx context.Context, fileID string) ([]*SimilarFile, error) {
	file, err := uc.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.VariantKey == "" {
		return nil, fmt.Errorf("%w: no variant has been generated yet", ErrNotIndexable)
	}

	variant, err := uc.store.Get(ctx, file.VariantKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load variant: %w", err)
	}

	hits, err := uc.similarity.QueryIndexed(ctx, variant)
	if err != nil {
		return nil, err
	}

	refs := make([]string, 0, len(hits))
	scores := make(map[string]float64, len(hits))
	for _, hit := range hits {
		if hit.Ref == fileID {
			continue
		}
		refs = append(refs, hit.Ref)
		scores[hit.Ref] = hit.Score
	}

	files, err := uc.files.GetByIDs(ctx, refs)
	if err != nil {
		return nil, err
	}

	similar := make([]*SimilarFile, 0, len(files))
	for _, f := range files {
		similar = append(similar, &SimilarFile{File: f, Score: scores[f.ID]})
	}
	return similar, nil
}

// SimilarFile pairs a submission file with its similarity score
type SimilarFile struct {
	File  *SubmissionFile
	Score float64
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
