package service

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artvault/artvault/internal/archive/biz"
	"github.com/artvault/artvault/internal/archive/queue"
	"github.com/artvault/artvault/internal/iqdb"
	"github.com/artvault/artvault/internal/media"
	"github.com/artvault/artvault/internal/pkg/logger"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type stubFileRepo struct {
	created []*biz.SubmissionFile
}

func (r *stubFileRepo) Create(_ context.Context, file *biz.SubmissionFile) error {
	r.created = append(r.created, file)
	return nil
}

func (r *stubFileRepo) GetByID(_ context.Context, id string) (*biz.SubmissionFile, error) {
	for _, f := range r.created {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, biz.ErrFileNotFound
}

func (r *stubFileRepo) GetByIDs(_ context.Context, _ []string) ([]*biz.SubmissionFile, error) {
	return nil, nil
}

func (r *stubFileRepo) UpdateIndexInfo(_ context.Context, _, _, _ string) error { return nil }
func (r *stubFileRepo) Delete(_ context.Context, _ string) error               { return nil }

func (r *stubFileRepo) Search(_ context.Context, _ *biz.SearchRequest) ([]*biz.SubmissionFile, int64, error) {
	return nil, 0, nil
}

type stubMatchRepo struct{}

func (stubMatchRepo) Replace(_ context.Context, _ string, _ []*biz.Match, _ []biz.GroupUpgrade) error {
	return nil
}
func (stubMatchRepo) DeleteForFile(_ context.Context, _ string) error { return nil }
func (stubMatchRepo) ListForFile(_ context.Context, _ string) ([]*biz.Match, error) {
	return nil, nil
}
func (stubMatchRepo) GroupExactExists(_ context.Context, _ string, _ int64) (bool, error) {
	return false, nil
}

type stubStore struct{}

func (stubStore) Upload(_ context.Context, _ string, _ []byte, _ string) error { return nil }
func (stubStore) Get(_ context.Context, _ string) ([]byte, error)              { return nil, nil }
func (stubStore) Delete(_ context.Context, _ string) error                     { return nil }

type stubSimilarity struct{}

func (stubSimilarity) Query(_ context.Context, _ []byte) ([]iqdb.Candidate, error) {
	return nil, nil
}
func (stubSimilarity) QueryIndexed(_ context.Context, _ []byte) ([]iqdb.IndexedHit, error) {
	return nil, nil
}
func (stubSimilarity) Update(_ context.Context, _ string, _ []byte) (string, error) {
	return "group", nil
}
func (stubSimilarity) Remove(_ context.Context, _ string) error { return nil }

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, data []byte) (*media.Analysis, error) {
	return &media.Analysis{ContentType: "image/jpeg", Width: 640, Height: 480, Size: int64(len(data))}, nil
}

type stubVariants struct{}

func (stubVariants) MakeVariant(_ context.Context, _ []byte, _ string) ([]byte, error) {
	return []byte("variant"), nil
}

type stubQueueRedis struct{}

func (stubQueueRedis) LPush(_ context.Context, _ string, _ ...interface{}) (int64, error) {
	return 1, nil
}
func (stubQueueRedis) RPop(_ context.Context, _ string) (string, error) { return "", nil }
func (stubQueueRedis) SAdd(_ context.Context, _ string, _ ...interface{}) (int64, error) {
	return 1, nil
}
func (stubQueueRedis) SRem(_ context.Context, _ string, _ ...interface{}) (int64, error) {
	return 1, nil
}
func (stubQueueRedis) SIsMember(_ context.Context, _ string, _ interface{}) (bool, error) {
	return false, nil
}
func (stubQueueRedis) ZAdd(_ context.Context, _ string, _ ...redis.Z) (int64, error) {
	return 1, nil
}
func (stubQueueRedis) ZRangeByScore(_ context.Context, _ string, _ *redis.ZRangeBy) ([]string, error) {
	return nil, nil
}
func (stubQueueRedis) ZRem(_ context.Context, _ string, _ ...interface{}) (int64, error) {
	return 1, nil
}

type stubPool struct{}

func (stubPool) Submit(task func() error) error {
	_ = task()
	return nil
}

func newTestRouter(repo *stubFileRepo) *gin.Engine {
	gin.SetMode(gin.TestMode)

	uc := biz.NewSubmissionFileUseCase(
		repo,
		stubMatchRepo{},
		stubStore{},
		stubSimilarity{},
		stubAnalyzer{},
		stubVariants{},
		media.DefaultConfig().IgnoreTypes,
		logger.Nop(),
	)

	scheduler := queue.New(stubQueueRedis{}, stubPool{}, time.Second, logger.Nop())
	scheduler.Register(queue.TaskSimilarity, func(context.Context, string) error { return nil })
	scheduler.Register(queue.TaskIndexRemove, func(context.Context, string) error { return nil })

	svc := NewSubmissionFileService(uc, scheduler, logger.Nop())

	router := gin.New()
	svc.RegisterRoutes(router.Group("/api/v1"))
	return router
}

func multipartUpload(t *testing.T, fields map[string][]string, fileNames ...string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for name, values := range fields {
		for _, v := range values {
			require.NoError(t, writer.WriteField(name, v))
		}
	}
	for _, name := range fileNames {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(jpegBytes)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestIngestFilesUsesProvidedOrdinals(t *testing.T) {
	repo := &stubFileRepo{}
	router := newTestRouter(repo)

	body, contentType := multipartUpload(t,
		map[string][]string{"file_index": {"5", "2"}},
		"a.jpg", "b.jpg",
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/sub-1/files", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, repo.created, 2)
	assert.Equal(t, 5, repo.created[0].FileIndex)
	assert.Equal(t, 2, repo.created[1].FileIndex)
}

func TestIngestFilesFallsBackToPosition(t *testing.T) {
	repo := &stubFileRepo{}
	router := newTestRouter(repo)

	body, contentType := multipartUpload(t, nil, "a.jpg", "b.jpg")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/sub-1/files", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, repo.created, 2)
	assert.Equal(t, 0, repo.created[0].FileIndex)
	assert.Equal(t, 1, repo.created[1].FileIndex)
}

func TestIngestFilesRejectsMalformedOrdinal(t *testing.T) {
	repo := &stubFileRepo{}
	router := newTestRouter(repo)

	// The malformed ordinal belongs to the second file; nothing from the
	// batch may be stored.
	body, contentType := multipartUpload(t,
		map[string][]string{"file_index": {"0", "first"}},
		"a.jpg", "b.jpg",
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/sub-1/files", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, repo.created)
}

func TestIngestFilesRejectsMalformedTimestamp(t *testing.T) {
	repo := &stubFileRepo{}
	router := newTestRouter(repo)

	body, contentType := multipartUpload(t,
		map[string][]string{"created_at_on_site": {"yesterday"}},
		"a.jpg",
	)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions/sub-1/files", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, repo.created)
}

func TestSearchRejectsMalformedNumbers(t *testing.T) {
	router := newTestRouter(&stubFileRepo{})

	for _, target := range []string{
		"/api/v1/submission-files?threshold=5O",
		"/api/v1/submission-files?page=abc",
		"/api/v1/submission-files?page_size=many",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestSearchAcceptsValidQuery(t *testing.T) {
	router := newTestRouter(&stubFileRepo{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/submission-files?upload_status=larger_only_filesize_kb&threshold=50", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
