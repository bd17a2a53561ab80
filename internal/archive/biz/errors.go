package biz

import "errors"

var (
	// ErrFileNotFound is returned for lookups of unknown submission files
	ErrFileNotFound = errors.New("submission file not found")

	// ErrNotIndexable is returned when a similarity operation is requested
	// for a content type the similarity service cannot index
	ErrNotIndexable = errors.New("submission file cannot be indexed")

	// ErrInvalidSearch is returned for unknown classification categories
	ErrInvalidSearch = errors.New("invalid search parameters")
)
