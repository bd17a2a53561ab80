package service

import (
	"errors"
	"io"
	"mime/multipart"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/artvault/artvault/internal/archive/biz"
	"github.com/artvault/artvault/internal/archive/queue"
	"github.com/artvault/artvault/internal/media"
	"github.com/artvault/artvault/internal/pkg/logger"
	"github.com/artvault/artvault/internal/pkg/response"
)

// SubmissionFileService exposes the archive over HTTP
type SubmissionFileService struct {
	uc        *biz.SubmissionFileUseCase
	scheduler *queue.Scheduler
	logger    *logger.Logger
}

func NewSubmissionFileService(uc *biz.SubmissionFileUseCase, scheduler *queue.Scheduler, log *logger.Logger) *SubmissionFileService {
	return &SubmissionFileService{
		uc:        uc,
		scheduler: scheduler,
		logger:    log,
	}
}

// RegisterRoutes mounts the archive routes on the router group
func (s *SubmissionFileService) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/submissions/:id/files", s.IngestFiles)
	rg.GET("/submission-files", s.Search)
	rg.GET("/submission-files/:id", s.GetFile)
	rg.GET("/submission-files/:id/matches", s.ListMatches)
	rg.GET("/submission-files/:id/similar", s.SimilarFiles)
	rg.POST("/submission-files/:id/similarity", s.TriggerSimilarity)
	rg.DELETE("/submission-files/:id", s.DeleteFile)
}

// SubmissionFileResponse is the wire shape of one submission file
type SubmissionFileResponse struct {
	ID              string `json:"id"`
	SubmissionID    string `json:"submission_id"`
	ContentType     string `json:"content_type"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Size            int64  `json:"size"`
	DirectURL       string `json:"direct_url,omitempty"`
	CreatedAtOnSite string `json:"created_at_on_site,omitempty"`
	FileIndex       int    `json:"file_index"`
	ContentHash     string `json:"content_hash"`
	HashGroup       string `json:"hash_group,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func toFileResponse(f *biz.SubmissionFile) *SubmissionFileResponse {
	resp := &SubmissionFileResponse{
		ID:           f.ID,
		SubmissionID: f.SubmissionID,
		ContentType:  f.ContentType,
		Width:        f.Width,
		Height:       f.Height,
		Size:         f.Size,
		DirectURL:    f.DirectURL,
		FileIndex:    f.FileIndex,
		ContentHash:  f.ContentHash,
		HashGroup:    f.HashGroup,
		CreatedAt:    f.CreatedAt.Format(time.RFC3339),
	}
	if !f.CreatedAtOnSite.IsZero() {
		resp.CreatedAtOnSite = f.CreatedAtOnSite.Format(time.RFC3339)
	}
	return resp
}

// IngestFiles accepts one or more multipart files for a submission.
// Ignore-listed payloads are reported per file as skipped so a scraper
// batch keeps going; analysis failures fail the individual file.
func (s *SubmissionFileService) IngestFiles(c *gin.Context) {
	submissionID := c.Param("id")

	form, err := c.MultipartForm()
	if err != nil {
		response.BadRequest(c, "expected multipart form upload")
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		response.BadRequest(c, "no files provided")
		return
	}

	// Scrapers know each file's ordinal within the submission; the
	// multipart position is only the fallback. All ordinals are checked
	// before anything is stored.
	ordinals := make([]int, len(files))
	for i := range files {
		ordinals[i] = i
		if i < len(form.Value["file_index"]) {
			ordinal, err := strconv.Atoi(form.Value["file_index"][i])
			if err != nil {
				response.BadRequest(c, "file_index must be an integer")
				return
			}
			ordinals[i] = ordinal
		}
	}

	createdAtOnSite, err := parseTime(c.PostForm("created_at_on_site"))
	if err != nil {
		response.BadRequest(c, "created_at_on_site must be RFC 3339")
		return
	}

	type ingestResult struct {
		Name    string                  `json:"name"`
		Skipped bool                    `json:"skipped,omitempty"`
		Error   string                  `json:"error,omitempty"`
		File    *SubmissionFileResponse `json:"file,omitempty"`
	}

	results := make([]ingestResult, 0, len(files))
	for i, header := range files {
		result := ingestResult{Name: header.Filename}

		data, err := readMultipartFile(header)
		if err != nil {
			result.Error = "failed to read upload"
			results = append(results, result)
			continue
		}

		file, err := s.uc.IngestFile(c.Request.Context(), &biz.IngestRequest{
			SubmissionID:    submissionID,
			Data:            data,
			DirectURL:       c.PostForm("direct_url"),
			CreatedAtOnSite: createdAtOnSite,
			FileIndex:       ordinals[i],
		})
		switch {
		case errors.Is(err, media.ErrUnsupportedMedia):
			result.Skipped = true
		case err != nil:
			s.logger.Error("failed to ingest file",
				zap.String("submission_id", submissionID),
				zap.String("name", header.Filename),
				zap.Error(err),
			)
			result.Error = err.Error()
		default:
			result.File = toFileResponse(file)
			if file.CanIndex() {
				if err := s.scheduler.Enqueue(c.Request.Context(), queue.TaskSimilarity, file.ID); err != nil {
					s.logger.Error("failed to schedule similarity",
						zap.String("file_id", file.ID),
						zap.Error(err),
					)
				}
			}
		}
		results = append(results, result)
	}

	response.Created(c, gin.H{"results": results})
}

func readMultipartFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// GetFile returns one submission file
func (s *SubmissionFileService) GetFile(c *gin.Context) {
	file, err := s.uc.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, biz.ErrFileNotFound) {
			response.NotFound(c, "submission file not found")
			return
		}
		s.logger.Error("failed to load submission file", zap.Error(err))
		response.InternalError(c, "failed to load submission file")
		return
	}
	response.Success(c, toFileResponse(file))
}

// MatchResponse is the wire shape of one match row
type MatchResponse struct {
	PostID      int64   `json:"post_id"`
	PostWidth   int     `json:"post_width"`
	PostHeight  int     `json:"post_height"`
	PostSize    int64   `json:"post_size"`
	PostDeleted bool    `json:"post_deleted"`
	Score       float64 `json:"score"`
	Exact       bool    `json:"exact"`
}

// ListMatches returns the file's current match rows
func (s *SubmissionFileService) ListMatches(c *gin.Context) {
	matches, err := s.uc.Matches(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.logger.Error("failed to list matches", zap.Error(err))
		response.InternalError(c, "failed to list matches")
		return
	}

	out := make([]*MatchResponse, len(matches))
	for i, m := range matches {
		out[i] = &MatchResponse{
			PostID:      m.PostID,
			PostWidth:   m.PostWidth,
			PostHeight:  m.PostHeight,
			PostSize:    m.PostSize,
			PostDeleted: m.PostDeleted,
			Score:       m.Score,
			Exact:       m.Exact,
		}
	}
	response.Success(c, gin.H{"matches": out})
}

// Search runs a classification query
func (s *SubmissionFileService) Search(c *gin.Context) {
	threshold, err := strconv.ParseInt(c.DefaultQuery("threshold", "0"), 10, 64)
	if err != nil {
		response.BadRequest(c, "threshold must be an integer")
		return
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		response.BadRequest(c, "page must be an integer")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if err != nil {
		response.BadRequest(c, "page_size must be an integer")
		return
	}

	req := &biz.SearchRequest{
		UploadStatus: biz.UploadStatus(c.Query("upload_status")),
		Threshold:    threshold,
		ContentType:  c.Query("content_type"),
		SiteType:     c.Query("site_type"),
		ArtistID:     c.Query("artist_id"),
		ArtistURLID:  c.Query("artist_url_id"),
		Page:         page,
		PageSize:     pageSize,
	}

	files, total, err := s.uc.Search(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, biz.ErrInvalidSearch) {
			response.BadRequest(c, err.Error())
			return
		}
		s.logger.Error("classification search failed", zap.Error(err))
		response.InternalError(c, "search failed")
		return
	}

	out := make([]*SubmissionFileResponse, len(files))
	for i, f := range files {
		out[i] = toFileResponse(f)
	}
	response.Success(c, gin.H{
		"files":     out,
		"total":     total,
		"page":      req.Page,
		"page_size": req.PageSize,
	})
}

// SimilarFiles runs a live similarity lookup against the index
func (s *SubmissionFileService) SimilarFiles(c *gin.Context) {
	similar, err := s.uc.SimilarFiles(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, biz.ErrFileNotFound):
			response.NotFound(c, "submission file not found")
		case errors.Is(err, biz.ErrNotIndexable):
			response.BadRequest(c, err.Error())
		default:
			s.logger.Error("similarity lookup failed", zap.Error(err))
			response.InternalError(c, "similarity lookup failed")
		}
		return
	}

	type similarResponse struct {
		File  *SubmissionFileResponse `json:"file"`
		Score float64                 `json:"score"`
	}
	out := make([]*similarResponse, len(similar))
	for i, sim := range similar {
		out[i] = &similarResponse{File: toFileResponse(sim.File), Score: sim.Score}
	}
	response.Success(c, gin.H{"similar": out})
}

// TriggerSimilarity schedules a similarity pass for the file
func (s *SubmissionFileService) TriggerSimilarity(c *gin.Context) {
	id := c.Param("id")

	file, err := s.uc.GetFile(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, biz.ErrFileNotFound) {
			response.NotFound(c, "submission file not found")
			return
		}
		s.logger.Error("failed to load submission file", zap.Error(err))
		response.InternalError(c, "failed to load submission file")
		return
	}
	if !file.CanIndex() {
		response.BadRequest(c, "content type cannot be indexed")
		return
	}

	if err := s.scheduler.Enqueue(c.Request.Context(), queue.TaskSimilarity, id); err != nil {
		s.logger.Error("failed to schedule similarity", zap.String("file_id", id), zap.Error(err))
		response.InternalError(c, "failed to schedule similarity")
		return
	}
	response.Accepted(c, gin.H{"file_id": id})
}

// DeleteFile destroys a submission file and schedules its removal from
// the similarity index.
func (s *SubmissionFileService) DeleteFile(c *gin.Context) {
	id := c.Param("id")

	wasIndexable, err := s.uc.DeleteFile(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, biz.ErrFileNotFound) {
			response.NotFound(c, "submission file not found")
			return
		}
		s.logger.Error("failed to delete submission file", zap.Error(err))
		response.InternalError(c, "failed to delete submission file")
		return
	}

	if wasIndexable {
		if err := s.scheduler.Enqueue(c.Request.Context(), queue.TaskIndexRemove, id); err != nil {
			s.logger.Error("failed to schedule index removal",
				zap.String("file_id", id),
				zap.Error(err),
			)
		}
	}

	response.Success(c, gin.H{"deleted": id})
}
