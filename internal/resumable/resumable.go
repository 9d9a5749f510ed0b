// Package resumable implements the short-lived store of partial downloads
// described in spec.md §4.5 (C5): a small LRU keyed by request URL holding
// the bytes buffered so far and the validator (ETag or Last-Modified) that
// lets a subsequent fetch resume via HTTP Range/If-Range.
package resumable

import (
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity bounds how many partial downloads are remembered at once.
const DefaultCapacity = 256

// DefaultTTL bounds how long a partial download is considered resumable
// before it's evicted regardless of capacity pressure.
const DefaultTTL = 10 * time.Minute

// Entry is the buffered prefix of a prior failed transfer plus its
// validator.
type Entry struct {
	Data      []byte
	Validator string
}

// Store is the resumable-data LRU.
type Store struct {
	lru *lru.LRU[string, Entry]
}

// New creates a Store with the default capacity and TTL.
func New() *Store {
	return &Store{lru: lru.NewLRU[string, Entry](DefaultCapacity, nil, DefaultTTL)}
}

// Get returns the buffered entry for url, if any.
func (s *Store) Get(url string) (Entry, bool) {
	return s.lru.Get(url)
}

// Put records (or replaces) the buffered prefix for url.
func (s *Store) Put(url string, e Entry) {
	s.lru.Add(url, e)
}

// Remove discards any buffered prefix for url, e.g. once a fetch completes
// successfully and the partial data is no longer needed.
func (s *Store) Remove(url string) {
	s.lru.Remove(url)
}

// IsResumable reports whether a response with the given status code and
// headers represents a server that advertised byte-range support and
// supplied a validator, with more data still to come (spec.md §4.5).
func IsResumable(statusCode int, header http.Header, buffered, total int64) bool {
	if statusCode != http.StatusOK && statusCode != http.StatusPartialContent {
		return false
	}
	if header.Get("Accept-Ranges") != "bytes" && header.Get("Content-Range") == "" {
		return false
	}
	if header.Get("ETag") == "" && header.Get("Last-Modified") == "" {
		return false
	}
	if total > 0 && buffered >= total {
		return false
	}
	return true
}

// Validator extracts the preferred validator (ETag, falling back to
// Last-Modified) from response headers.
func Validator(header http.Header) string {
	if etag := header.Get("ETag"); etag != "" {
		return etag
	}
	return header.Get("Last-Modified")
}

// RangeHeaders returns the Range and If-Range header values to attach to a
// resumed request given buffered bytes and the previous validator (spec.md
// §4.5, §6).
func RangeHeaders(buffered int64, validator string) (rangeHeader, ifRange string) {
	return "bytes=" + strconv.FormatInt(buffered, 10) + "-", validator
}
