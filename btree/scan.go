package btree

import "context"

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   []byte
	Value []byte
}

// Scan walks every non-ghost entry in key order — the scan(S) used
// throughout spec.md §8's literal scenarios, not named in the §6
// operation list but implied by every scenario that checks the tree's
// logical contents. After each leaf it re-descends from the root using
// that leaf's fence-high as the next search key rather than following
// a raw sibling pointer, so it sees the committed tree shape whether
// or not a foster child has since been adopted into its real parent.
func (t *Tree) Scan(ctx context.Context) ([]KV, error) {
	var out []KV
	var next []byte // nil means "start from the beginning"
	for {
		f, tk, err := t.lookupTraverse(next)
		if err != nil {
			return nil, err
		}
		for i := 1; i <= f.Page.Count(); i++ {
			if f.Page.IsGhost(i) {
				continue
			}
			out = append(out, KV{
				Key:   append([]byte(nil), f.Page.FullKey(i)...),
				Value: append([]byte(nil), f.Page.Value(i)...),
			})
		}
		high := f.Page.FenceHigh()
		f.Latch.ReleaseS(tk)
		t.pool.Unpin(f, false)
		if len(high) == 0 {
			return out, nil
		}
		next = high
	}
}
