package biz

import (
	"context"
	"fmt"
)

// UploadStatus names one upload-worthiness category. Every category is a
// pure function of the file's current match set, evaluated at query time;
// nothing is persisted.
type UploadStatus string

const (
	// StatusLargerOnlyFilesizeKB selects files whose every match is a
	// smaller (by at least the threshold in kilobytes), non-deleted
	// post, with no exact match.
	StatusLargerOnlyFilesizeKB UploadStatus = "larger_only_filesize_kb"
	// StatusLargerOnlyFilesizePct is the percentage variant of the above.
	StatusLargerOnlyFilesizePct UploadStatus = "larger_only_filesize_pct"
	// StatusLargerOnlyDimensions selects files strictly larger than some
	// match in both dimensions and never smaller-or-equal in both.
	StatusLargerOnlyDimensions UploadStatus = "larger_only_dimensions"
	// StatusExactMatchExists / StatusExactMatchDoesntExist split on the
	// presence of any exact match.
	StatusExactMatchExists      UploadStatus = "exact_match_exists"
	StatusExactMatchDoesntExist UploadStatus = "exact_match_doesnt_exist"
	// StatusAlreadyUploaded / StatusNotUploaded split on the presence of
	// any match at all.
	StatusAlreadyUploaded UploadStatus = "already_uploaded"
	StatusNotUploaded     UploadStatus = "not_uploaded"
)

const (
	// DefaultFilesizeThresholdKB applies when larger_only_filesize_kb is
	// requested without a threshold.
	DefaultFilesizeThresholdKB = 50
	// DefaultFilesizeThresholdPct applies when larger_only_filesize_pct
	// is requested without a threshold.
	DefaultFilesizeThresholdPct = 10
)

// Valid reports whether the category name is known
func (s UploadStatus) Valid() bool {
	switch s {
	case StatusLargerOnlyFilesizeKB, StatusLargerOnlyFilesizePct,
		StatusLargerOnlyDimensions, StatusExactMatchExists,
		StatusExactMatchDoesntExist, StatusAlreadyUploaded, StatusNotUploaded:
		return true
	}
	return false
}

// Thresholded reports whether the category takes a numeric threshold
func (s UploadStatus) Thresholded() bool {
	return s == StatusLargerOnlyFilesizeKB || s == StatusLargerOnlyFilesizePct
}

// SearchRequest combines narrowing predicates over submission files.
// All filters are ANDed; results are ordered by creation time at the
// source, newest first.
type SearchRequest struct {
	UploadStatus UploadStatus
	// Threshold is interpreted per category: kilobytes for
	// larger_only_filesize_kb, percent for larger_only_filesize_pct.
	// Zero means the documented default.
	Threshold   int64
	ContentType string
	SiteType    string
	ArtistID    string
	ArtistURLID string
	Page        int
	PageSize    int
}

// Normalize validates the request and applies default threshold and
// paging values.
func (r *SearchRequest) Normalize() error {
	if r.UploadStatus != "" && !r.UploadStatus.Valid() {
		return fmt.Errorf("%w: unknown upload status %q", ErrInvalidSearch, r.UploadStatus)
	}

	if r.Threshold == 0 {
		switch r.UploadStatus {
		case StatusLargerOnlyFilesizeKB:
			r.Threshold = DefaultFilesizeThresholdKB
		case StatusLargerOnlyFilesizePct:
			r.Threshold = DefaultFilesizeThresholdPct
		}
	}
	if r.Threshold < 0 {
		return fmt.Errorf("%w: threshold must not be negative", ErrInvalidSearch)
	}

	if r.Page <= 0 {
		r.Page = 1
	}
	if r.PageSize <= 0 || r.PageSize > 100 {
		r.PageSize = 50
	}

	return nil
}

// ThresholdBytes converts the kilobyte threshold into bytes
func (r *SearchRequest) ThresholdBytes() int64 {
	return r.Threshold * 1024
}

// Applies reports whether the category holds for a file with the given
// match set and threshold (already normalized). The data layer evaluates
// the same include / exclude pairs in SQL so a search never loads match
// rows into memory; this form is the reference those predicates mirror.
func (s UploadStatus) Applies(file *SubmissionFile, matches []*Match, threshold int64) bool {
	switch s {
	case StatusLargerOnlyFilesizeKB:
		bytes := threshold * 1024
		return largerOnly(matches,
			func(m *Match) bool { return file.Size-bytes > m.PostSize && !m.PostDeleted },
			func(m *Match) bool { return file.Size <= m.PostSize },
		)

	case StatusLargerOnlyFilesizePct:
		return largerOnly(matches,
			func(m *Match) bool { return file.Size-file.Size*threshold/100 > m.PostSize && !m.PostDeleted },
			func(m *Match) bool { return file.Size <= m.PostSize },
		)

	case StatusLargerOnlyDimensions:
		return largerOnly(matches,
			func(m *Match) bool {
				return file.Width > m.PostWidth && file.Height > m.PostHeight && !m.PostDeleted
			},
			func(m *Match) bool {
				return file.Width <= m.PostWidth && file.Height <= m.PostHeight
			},
		)

	case StatusExactMatchExists:
		return anyMatch(matches, func(m *Match) bool { return m.Exact })

	case StatusExactMatchDoesntExist:
		return !anyMatch(matches, func(m *Match) bool { return m.Exact })

	case StatusAlreadyUploaded:
		return len(matches) > 0

	case StatusNotUploaded:
		return len(matches) == 0
	}

	return false
}

// largerOnly is the include / exclude pair shared by the larger_only
// categories: at least one match is strictly smaller by the measure, and
// no match is not-smaller or already exact.
func largerOnly(matches []*Match, smaller, notSmaller func(*Match) bool) bool {
	return anyMatch(matches, smaller) &&
		!anyMatch(matches, func(m *Match) bool { return notSmaller(m) || m.Exact })
}

func anyMatch(matches []*Match, pred func(*Match) bool) bool {
	for _, m := range matches {
		if pred(m) {
			return true
		}
	}
	return false
}

// Search runs a classification query over the live match sets
func (uc *SubmissionFileUseCase) Search(ctx context.Context, req *SearchRequest) ([]*SubmissionFile, int64, error) {
	if err := req.Normalize(); err != nil {
		return nil, 0, err
	}
	return uc.files.Search(ctx, req)
}
