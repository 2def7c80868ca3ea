package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// Reachability-based compaction
// ───────────────────────────────────────────────────────────────────────────
//
// Compact performs a mark-and-sweep reachability scan starting from the
// three index roots recorded in the superblock, walking every B-tree page
// and the overflow chains its leaves reference. Any allocated page not
// visited by the scan, and not already free in the bitmap, is an orphan —
// typically left behind by a crash between a page write and its owning
// B-tree insert completing — and is returned to the allocator. Tombstone
// pages are reachable via the superblock's tombstone head pointer directly,
// not through a B-tree, so they are walked separately.
//
// Compact does not shrink the file; it only returns orphan pages to the
// bitmap so future allocations can reuse them. Callers should hold whatever
// external lock keeps writers out for the duration (the Database facade's
// write-transaction serialization on the pager is generally sufficient).

// CompactResult summarizes one compaction run.
type CompactResult struct {
	TotalPages     int
	ReachablePages int
	Reclaimed      int
	Errors         []string
}

// Compact reclaims orphaned pages unreachable from the three index roots,
// the tombstone list, and the bitmap's own pages.
func (p *Pager) Compact() (*CompactResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb := p.sb
	total := int(sb.TotalPageCount)
	result := &CompactResult{TotalPages: total}

	reachable := make(map[PageID]struct{}, total)
	reachable[0] = struct{}{} // superblock

	bitmapPages := BitmapPagesNeeded(total, p.pageSize)
	for i := 0; i < bitmapPages; i++ {
		reachable[PageID(uint64(sb.BitmapRootPage)+uint64(i))] = struct{}{}
	}

	for _, root := range []PageID{sb.PrimaryIndexRoot, sb.AttributeIndexRoot, sb.EntityAttributeIndexRoot} {
		p.walkBTreeLocked(root, reachable, result)
	}
	p.walkTombstoneChainLocked(sb.TombstoneHeadPage, reachable, result)

	result.ReachablePages = len(reachable)

	reclaimed := 0
	for i := 0; i < total; i++ {
		id := PageID(i)
		if _, seen := reachable[id]; seen {
			continue
		}
		if !p.bitmap.IsAllocated(id) {
			continue
		}
		p.bitmap.Free(id)
		reclaimed++
	}
	result.Reclaimed = reclaimed

	return result, nil
}

func (p *Pager) walkBTreeLocked(pid PageID, reachable map[PageID]struct{}, result *CompactResult) {
	if pid == InvalidPageID {
		return
	}
	if _, seen := reachable[pid]; seen {
		return
	}
	reachable[pid] = struct{}{}

	buf, err := p.readPageRaw(pid)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("read page %d: %v", pid, err))
		return
	}

	bp := WrapBTreePage(buf)
	if bp.IsLeaf() {
		for _, e := range bp.GetAllLeafEntries() {
			if IsOverflowReference(e.Value) {
				if ref, err := OverflowReferenceFromBytes(e.Value); err == nil {
					p.walkOverflowChainLocked(ref.FirstPageID, reachable, result)
				}
			}
		}
		return
	}

	for _, e := range bp.GetAllInternalEntries() {
		p.walkBTreeLocked(e.ChildID, reachable, result)
	}
	p.walkBTreeLocked(bp.RightChild(), reachable, result)
}

func (p *Pager) walkOverflowChainLocked(headID PageID, reachable map[PageID]struct{}, result *CompactResult) {
	pid := headID
	for pid != InvalidPageID {
		if _, seen := reachable[pid]; seen {
			return
		}
		reachable[pid] = struct{}{}
		buf, err := p.readPageRaw(pid)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read overflow %d: %v", pid, err))
			return
		}
		pid = WrapOverflowPage(buf).NextOverflow()
	}
}

func (p *Pager) walkTombstoneChainLocked(headID PageID, reachable map[PageID]struct{}, result *CompactResult) {
	pid := headID
	for pid != InvalidPageID {
		if _, seen := reachable[pid]; seen {
			return
		}
		reachable[pid] = struct{}{}
		buf, err := p.readPageRaw(pid)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read tombstone page %d: %v", pid, err))
			return
		}
		off := PageHeaderSize + 8
		pid = PageID(binary.LittleEndian.Uint64(buf[off : off+8]))
	}
}
