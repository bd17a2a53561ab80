package iqdb

import "encoding/json"

// Candidate is one ranked similarity result for a queried variant.
// Raw keeps the service's full per-post metadata untouched; the typed
// fields are the subset classification needs.
type Candidate struct {
	PostID      int64
	Score       float64
	PostWidth   int
	PostHeight  int
	PostSize    int64
	PostDeleted bool
	PostHash    string
	Raw         json.RawMessage
}

// IndexedHit is one result from querying the archive's own indexed
// variants, identified by the reference the item was indexed under.
type IndexedHit struct {
	Ref   string
	Score float64
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type updateResponse struct {
	Signature string `json:"hash"`
}
