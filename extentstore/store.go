// Package extentstore is the external volume/device collaborator
// spec.md §1 calls out by name: something below the buffer pool that
// actually holds page bytes. It mirrors the teacher's
// interfaces.ParentBufMgr/ParentPage split one layer down — whole
// pages in, whole pages out, no knowledge of latches or LSNs.
package extentstore

import (
	"fmt"
	"sync"

	"github.com/foster-db/fostertree/pageid"
)

// Store is the device-facing contract the buffer pool fixes against.
// Implementations own page allocation and durable page bytes; they
// know nothing about pins, latches, or the log.
type Store interface {
	// AllocatePage reserves a fresh on-disk page and returns its id.
	AllocatePage() (pageid.PageID, error)
	// DeallocatePage returns a page to the free list for reuse.
	DeallocatePage(id pageid.PageID) error
	// ReadPage copies the durable image of id into dst, which must be
	// exactly PageSize() bytes.
	ReadPage(id pageid.PageID, dst []byte) error
	// WritePage durably stores src (exactly PageSize() bytes) as id's
	// image.
	WritePage(id pageid.PageID, src []byte) error
	// PageSize returns the fixed page size this store was opened with.
	PageSize() int
}

// ErrUnknownPage is returned by ReadPage/WritePage/DeallocatePage for
// an id that was never allocated (or already deallocated).
type ErrUnknownPage struct{ ID pageid.PageID }

func (e *ErrUnknownPage) Error() string {
	return fmt.Sprintf("extentstore: unknown page %s", e.ID)
}

// MemStore is an in-memory Store, the "dummy" reference implementation
// spec.md §1 expects alongside the real one — grounded on the
// teacher's ParentBufMgrDummy (a sync.Map of page id to bytes, no
// memory-usage management), generalized here to whole extents backed
// by a memfile.File per page so tests can exercise the same Read/Write
// path a real file-backed store would.
type MemStore struct {
	mu       sync.Mutex
	pageSize int
	nextID   uint32
	pages    map[pageid.PageID]*memPage
}

type memPage struct {
	file memFile
}

// NewMemStore creates an empty in-memory store for pages of the given
// size.
func NewMemStore(pageSize int) *MemStore {
	return &MemStore{
		pageSize: pageSize,
		nextID:   1,
		pages:    make(map[pageid.PageID]*memPage),
	}
}

func (s *MemStore) PageSize() int { return s.pageSize }

func (s *MemStore) AllocatePage() (pageid.PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pageid.FromDisk(s.nextID)
	s.nextID++
	s.pages[id] = &memPage{file: newMemFile(make([]byte, s.pageSize))}
	return id, nil
}

func (s *MemStore) DeallocatePage(id pageid.PageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[id]; !ok {
		return &ErrUnknownPage{ID: id}
	}
	delete(s.pages, id)
	return nil
}

func (s *MemStore) ReadPage(id pageid.PageID, dst []byte) error {
	s.mu.Lock()
	p, ok := s.pages[id]
	s.mu.Unlock()
	if !ok {
		return &ErrUnknownPage{ID: id}
	}
	return p.file.ReadAt(dst, 0)
}

func (s *MemStore) WritePage(id pageid.PageID, src []byte) error {
	s.mu.Lock()
	p, ok := s.pages[id]
	s.mu.Unlock()
	if !ok {
		return &ErrUnknownPage{ID: id}
	}
	return p.file.WriteAt(src, 0)
}
