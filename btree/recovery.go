package btree

import (
	"github.com/foster-db/fostertree/errs"
	"github.com/foster-db/fostertree/logmgr"
	"github.com/foster-db/fostertree/page"
	"github.com/foster-db/fostertree/pageid"
)

// RecoverPage implements Single-Page-Recovery (spec.md §6 GLOSSARY;
// SPEC_FULL.md §12): it returns the most recent full-page image of
// pageID logged at or before targetLSN (NullLSN means "latest"), read
// from the page's own log records alone. Foster-split, merge, tree-grow
// and tree-shrink log such images via logPageImage; adopt, de-adopt,
// inserts, updates and ghost marks log no image and are not replayed
// on top of it.
func (t *Tree) RecoverPage(pageID pageid.PageID, targetLSN pageid.LSN) (*page.Page, error) {
	recs, err := t.log.ReadPageRecords(pageID)
	if err != nil {
		return nil, err
	}

	var latest *logmgr.Record
	for _, r := range recs {
		if r.Type != logmgr.RecPageImage {
			continue
		}
		if targetLSN.Valid() && targetLSN.Less(r.LSN) {
			break
		}
		latest = r
	}
	if latest == nil {
		return nil, errs.New(errs.NotFound, "no redo image found for page in log")
	}
	return page.Decode(latest.Payload), nil
}
