package biz

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artvault/artvault/internal/iqdb"
	"github.com/artvault/artvault/internal/media"
	"github.com/artvault/artvault/internal/pkg/logger"
)

// jpegBytes carries a JPEG magic prefix so content sniffing resolves it
// as image/jpeg without a full decode.
var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type fakeFileRepo struct {
	files     map[string]*SubmissionFile
	createErr error
	updates   []string
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{files: map[string]*SubmissionFile{}}
}

func (r *fakeFileRepo) Create(_ context.Context, file *SubmissionFile) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.files[file.ID] = file
	return nil
}

func (r *fakeFileRepo) GetByID(_ context.Context, id string) (*SubmissionFile, error) {
	file, ok := r.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	return file, nil
}

func (r *fakeFileRepo) GetByIDs(_ context.Context, ids []string) ([]*SubmissionFile, error) {
	var out []*SubmissionFile
	for _, id := range ids {
		if file, ok := r.files[id]; ok {
			out = append(out, file)
		}
	}
	return out, nil
}

func (r *fakeFileRepo) UpdateIndexInfo(_ context.Context, id, variantKey, hashGroup string) error {
	file, ok := r.files[id]
	if !ok {
		return ErrFileNotFound
	}
	file.VariantKey = variantKey
	file.HashGroup = hashGroup
	r.updates = append(r.updates, id)
	return nil
}

func (r *fakeFileRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.files[id]; !ok {
		return ErrFileNotFound
	}
	delete(r.files, id)
	return nil
}

func (r *fakeFileRepo) Search(_ context.Context, _ *SearchRequest) ([]*SubmissionFile, int64, error) {
	return nil, 0, nil
}

type fakeMatchRepo struct {
	rows        map[string][]*Match
	groupExact  map[string]bool
	deleted     []string
	replaced    []string
	gotUpgrades []GroupUpgrade
}

func newFakeMatchRepo() *fakeMatchRepo {
	return &fakeMatchRepo{
		rows:       map[string][]*Match{},
		groupExact: map[string]bool{},
	}
}

func groupExactKey(hashGroup string, postID int64) string {
	return fmt.Sprintf("%s/%d", hashGroup, postID)
}

func (r *fakeMatchRepo) Replace(_ context.Context, fileID string, matches []*Match, upgrades []GroupUpgrade) error {
	r.rows[fileID] = matches
	r.replaced = append(r.replaced, fileID)
	r.gotUpgrades = append(r.gotUpgrades, upgrades...)
	for _, up := range upgrades {
		r.groupExact[groupExactKey(up.HashGroup, up.PostID)] = true
	}
	return nil
}

func (r *fakeMatchRepo) DeleteForFile(_ context.Context, fileID string) error {
	delete(r.rows, fileID)
	r.deleted = append(r.deleted, fileID)
	return nil
}

func (r *fakeMatchRepo) ListForFile(_ context.Context, fileID string) ([]*Match, error) {
	return r.rows[fileID], nil
}

func (r *fakeMatchRepo) GroupExactExists(_ context.Context, hashGroup string, postID int64) (bool, error) {
	return r.groupExact[groupExactKey(hashGroup, postID)], nil
}

type fakeStore struct {
	objects   map[string][]byte
	deleted   []string
	uploadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) Upload(_ context.Context, objectKey string, data []byte, _ string) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.objects[objectKey] = data
	return nil
}

func (s *fakeStore) Get(_ context.Context, objectKey string) ([]byte, error) {
	data, ok := s.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", objectKey)
	}
	return data, nil
}

func (s *fakeStore) Delete(_ context.Context, objectKey string) error {
	delete(s.objects, objectKey)
	s.deleted = append(s.deleted, objectKey)
	return nil
}

type fakeSimilarity struct {
	candidates []iqdb.Candidate
	indexed    []iqdb.IndexedHit
	signature  string
	updated    []string
	removed    []string
	updateErr  error
}

func (c *fakeSimilarity) Query(_ context.Context, _ []byte) ([]iqdb.Candidate, error) {
	return c.candidates, nil
}

func (c *fakeSimilarity) QueryIndexed(_ context.Context, _ []byte) ([]iqdb.IndexedHit, error) {
	return c.indexed, nil
}

func (c *fakeSimilarity) Update(_ context.Context, ref string, _ []byte) (string, error) {
	if c.updateErr != nil {
		return "", c.updateErr
	}
	c.updated = append(c.updated, ref)
	return c.signature, nil
}

func (c *fakeSimilarity) Remove(_ context.Context, ref string) error {
	c.removed = append(c.removed, ref)
	return nil
}

type fakeAnalyzer struct {
	analysis *media.Analysis
	err      error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, data []byte) (*media.Analysis, error) {
	if a.err != nil {
		return nil, a.err
	}
	out := *a.analysis
	out.Size = int64(len(data))
	return &out, nil
}

type fakeVariants struct {
	out []byte
	err error
}

func (v *fakeVariants) MakeVariant(_ context.Context, _ []byte, _ string) ([]byte, error) {
	return v.out, v.err
}

type useCaseEnv struct {
	uc         *SubmissionFileUseCase
	files      *fakeFileRepo
	matches    *fakeMatchRepo
	store      *fakeStore
	similarity *fakeSimilarity
	analyzer   *fakeAnalyzer
	variants   *fakeVariants
}

func newUseCaseEnv() *useCaseEnv {
	env := &useCaseEnv{
		files:      newFakeFileRepo(),
		matches:    newFakeMatchRepo(),
		store:      newFakeStore(),
		similarity: &fakeSimilarity{signature: "group-a"},
		analyzer:   &fakeAnalyzer{analysis: &media.Analysis{ContentType: "image/jpeg", Width: 1000, Height: 800}},
		variants:   &fakeVariants{out: []byte("variant-jpeg")},
	}
	env.uc = NewSubmissionFileUseCase(
		env.files,
		env.matches,
		env.store,
		env.similarity,
		env.analyzer,
		env.variants,
		media.DefaultConfig().IgnoreTypes,
		logger.Nop(),
	)
	return env
}

func (env *useCaseEnv) addFile(t *testing.T, file *SubmissionFile) *SubmissionFile {
	t.Helper()
	require.NoError(t, env.files.Create(context.Background(), file))
	if file.OriginalKey != "" {
		env.store.objects[file.OriginalKey] = jpegBytes
	}
	return file
}

func TestIngestFile(t *testing.T) {
	env := newUseCaseEnv()

	file, err := env.uc.IngestFile(context.Background(), &IngestRequest{
		SubmissionID:    "sub-1",
		Data:            jpegBytes,
		DirectURL:       "https://cdn.example/full/a.jpg",
		CreatedAtOnSite: time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC),
		FileIndex:       0,
	})
	require.NoError(t, err)

	sum := md5.Sum(jpegBytes)
	wantHash := hex.EncodeToString(sum[:])
	assert.Equal(t, wantHash, file.ContentHash)
	assert.Equal(t, "originals/"+wantHash[:2]+"/"+wantHash, file.OriginalKey)
	assert.Equal(t, "image/jpeg", file.ContentType)
	assert.Equal(t, 1000, file.Width)
	assert.Equal(t, 800, file.Height)
	assert.Equal(t, int64(len(jpegBytes)), file.Size)
	assert.Empty(t, file.HashGroup)
	assert.True(t, file.NotYetClassified())

	stored, err := env.store.Get(context.Background(), file.OriginalKey)
	require.NoError(t, err)
	assert.Equal(t, jpegBytes, stored)

	got, err := env.uc.GetFile(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
}

func TestIngestFileIgnoreListed(t *testing.T) {
	env := newUseCaseEnv()

	_, err := env.uc.IngestFile(context.Background(), &IngestRequest{
		SubmissionID: "sub-1",
		Data:         []byte("a plain text payload pretending to be art"),
	})
	assert.ErrorIs(t, err, media.ErrUnsupportedMedia)
	assert.Empty(t, env.store.objects)
	assert.Empty(t, env.files.files)
}

func TestIngestFileIgnoresHTMLErrorPage(t *testing.T) {
	env := newUseCaseEnv()

	// A source CDN answering with an HTML error page must be skipped
	// before anything is stored, even though sniffing reports the type
	// with a charset parameter.
	_, err := env.uc.IngestFile(context.Background(), &IngestRequest{
		SubmissionID: "sub-1",
		Data:         []byte("<!DOCTYPE html><html><body>503 Service Unavailable</body></html>"),
	})
	assert.ErrorIs(t, err, media.ErrUnsupportedMedia)
	assert.Empty(t, env.store.objects)
	assert.Empty(t, env.store.deleted)
	assert.Empty(t, env.files.files)
}

func TestIngestFilePurgesBlobOnAnalysisFailure(t *testing.T) {
	env := newUseCaseEnv()
	env.analyzer.err = media.ErrAnalysisFailed

	_, err := env.uc.IngestFile(context.Background(), &IngestRequest{
		SubmissionID: "sub-1",
		Data:         jpegBytes,
	})
	assert.ErrorIs(t, err, media.ErrAnalysisFailed)
	assert.Empty(t, env.store.objects)
	assert.Len(t, env.store.deleted, 1)
	assert.Empty(t, env.files.files)
}

func TestIngestFilePurgesBlobOnCreateFailure(t *testing.T) {
	env := newUseCaseEnv()
	env.files.createErr = errors.New("db down")

	_, err := env.uc.IngestFile(context.Background(), &IngestRequest{
		SubmissionID: "sub-1",
		Data:         jpegBytes,
	})
	require.Error(t, err)
	assert.Empty(t, env.store.objects)
	assert.Len(t, env.store.deleted, 1)
}

func TestResolveSimilarityExactByOwnHash(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-1",
		ContentType: "image/jpeg",
		ContentHash: "aaaa",
		OriginalKey: "originals/aa/aaaa",
	})
	env.similarity.candidates = []iqdb.Candidate{
		{PostID: 101, Score: 92.5, PostHash: "aaaa", PostSize: 4096},
		{PostID: 102, Score: 70.0, PostHash: "bbbb"},
	}

	require.NoError(t, env.uc.ResolveSimilarity(context.Background(), file.ID))

	assert.Equal(t, "group-a", file.HashGroup)
	assert.Equal(t, "variants/file-1.jpg", file.VariantKey)
	assert.False(t, file.NotYetClassified())
	assert.Equal(t, []string{"file-1"}, env.similarity.updated)

	variant, err := env.store.Get(context.Background(), file.VariantKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("variant-jpeg"), variant)

	rows, err := env.uc.Matches(context.Background(), file.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Exact)
	assert.False(t, rows[1].Exact)
	assert.Equal(t, int64(101), rows[0].PostID)
	assert.Equal(t, 92.5, rows[0].Score)

	require.Len(t, env.matches.gotUpgrades, 1)
	assert.Equal(t, GroupUpgrade{HashGroup: "group-a", PostID: 101}, env.matches.gotUpgrades[0])
}

func TestResolveSimilarityInheritsGroupExactness(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-2",
		ContentType: "image/png",
		ContentHash: "cccc",
		OriginalKey: "originals/cc/cccc",
	})
	// Another file in the same hash group already proved post 200 exact.
	env.matches.groupExact[groupExactKey("group-a", 200)] = true
	env.similarity.candidates = []iqdb.Candidate{
		{PostID: 200, Score: 88.0, PostHash: "dddd"},
	}

	require.NoError(t, env.uc.ResolveSimilarity(context.Background(), file.ID))

	rows, err := env.uc.Matches(context.Background(), file.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Exact, "group exactness must propagate to the new row")
	require.Len(t, env.matches.gotUpgrades, 1)
}

func TestResolveSimilarityDiscardsStaleMatches(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-3",
		ContentType: "image/jpeg",
		ContentHash: "eeee",
		OriginalKey: "originals/ee/eeee",
	})
	env.matches.rows[file.ID] = []*Match{{SubmissionFileID: file.ID, PostID: 999}}
	env.similarity.candidates = nil

	require.NoError(t, env.uc.ResolveSimilarity(context.Background(), file.ID))

	assert.Contains(t, env.matches.deleted, file.ID)
	rows, err := env.uc.Matches(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestResolveSimilaritySkipsUnindexable(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-4",
		ContentType: "application/pdf",
		OriginalKey: "originals/ff/ffff",
	})

	require.NoError(t, env.uc.ResolveSimilarity(context.Background(), file.ID))

	assert.Empty(t, env.similarity.updated)
	assert.Empty(t, env.files.updates)
	assert.Empty(t, env.matches.replaced)
}

func TestResolveSimilarityRerunIsIdempotent(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-5",
		ContentType: "image/jpeg",
		ContentHash: "aaaa",
		OriginalKey: "originals/aa/aaaa",
	})
	env.similarity.candidates = []iqdb.Candidate{
		{PostID: 300, Score: 95.0, PostHash: "aaaa"},
	}

	require.NoError(t, env.uc.ResolveSimilarity(context.Background(), file.ID))
	require.NoError(t, env.uc.ResolveSimilarity(context.Background(), file.ID))

	rows, err := env.uc.Matches(context.Background(), file.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Exact)
}

func TestDeleteFile(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-6",
		ContentType: "image/jpeg",
		OriginalKey: "originals/ab/abcd",
		VariantKey:  "variants/file-6.jpg",
	})
	env.store.objects[file.VariantKey] = []byte("variant")
	env.matches.rows[file.ID] = []*Match{{SubmissionFileID: file.ID, PostID: 1}}

	wasIndexable, err := env.uc.DeleteFile(context.Background(), file.ID)
	require.NoError(t, err)
	assert.True(t, wasIndexable)

	assert.Empty(t, env.files.files)
	assert.Empty(t, env.matches.rows[file.ID])
	assert.NotContains(t, env.store.objects, file.OriginalKey)
	assert.NotContains(t, env.store.objects, file.VariantKey)
}

func TestDeleteFileUnindexable(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-7",
		ContentType: "application/pdf",
		OriginalKey: "originals/cd/cdef",
	})

	wasIndexable, err := env.uc.DeleteFile(context.Background(), file.ID)
	require.NoError(t, err)
	assert.False(t, wasIndexable)
}

func TestDeleteFileUnknown(t *testing.T) {
	env := newUseCaseEnv()
	_, err := env.uc.DeleteFile(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestRemoveFromIndex(t *testing.T) {
	env := newUseCaseEnv()
	require.NoError(t, env.uc.RemoveFromIndex(context.Background(), "file-8"))
	assert.Equal(t, []string{"file-8"}, env.similarity.removed)
}

func TestSimilarFiles(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-9",
		ContentType: "image/jpeg",
		OriginalKey: "originals/aa/a1",
		VariantKey:  "variants/file-9.jpg",
	})
	env.store.objects[file.VariantKey] = []byte("variant")
	other := env.addFile(t, &SubmissionFile{
		ID:          "file-10",
		ContentType: "image/jpeg",
		OriginalKey: "originals/bb/b1",
	})
	env.similarity.indexed = []iqdb.IndexedHit{
		{Ref: file.ID, Score: 100},
		{Ref: other.ID, Score: 83.5},
	}

	similar, err := env.uc.SimilarFiles(context.Background(), file.ID)
	require.NoError(t, err)
	require.Len(t, similar, 1, "the file itself must be excluded")
	assert.Equal(t, other.ID, similar[0].File.ID)
	assert.Equal(t, 83.5, similar[0].Score)
}

func TestSimilarFilesWithoutVariant(t *testing.T) {
	env := newUseCaseEnv()
	file := env.addFile(t, &SubmissionFile{
		ID:          "file-11",
		ContentType: "image/jpeg",
		OriginalKey: "originals/aa/a2",
	})

	_, err := env.uc.SimilarFiles(context.Background(), file.ID)
	assert.ErrorIs(t, err, ErrNotIndexable)
}

func TestSearchRequestNormalize(t *testing.T) {
	tests := []struct {
		name          string
		req           SearchRequest
		wantErr       bool
		wantThreshold int64
	}{
		{
			name:          "kb default",
			req:           SearchRequest{UploadStatus: StatusLargerOnlyFilesizeKB},
			wantThreshold: 50,
		},
		{
			name:          "pct default",
			req:           SearchRequest{UploadStatus: StatusLargerOnlyFilesizePct},
			wantThreshold: 10,
		},
		{
			name:          "explicit threshold kept",
			req:           SearchRequest{UploadStatus: StatusLargerOnlyFilesizeKB, Threshold: 150},
			wantThreshold: 150,
		},
		{
			name:          "no default for untresholded categories",
			req:           SearchRequest{UploadStatus: StatusAlreadyUploaded},
			wantThreshold: 0,
		},
		{
			name:    "unknown category",
			req:     SearchRequest{UploadStatus: "definitely_unique"},
			wantErr: true,
		},
		{
			name:    "negative threshold",
			req:     SearchRequest{UploadStatus: StatusLargerOnlyFilesizeKB, Threshold: -1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Normalize()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSearch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantThreshold, tt.req.Threshold)
			assert.Equal(t, 1, tt.req.Page)
			assert.Equal(t, 50, tt.req.PageSize)
		})
	}
}

func TestSearchRequestThresholdBytes(t *testing.T) {
	req := SearchRequest{UploadStatus: StatusLargerOnlyFilesizeKB}
	require.NoError(t, req.Normalize())
	assert.Equal(t, int64(50*1024), req.ThresholdBytes())
}
