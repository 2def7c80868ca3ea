package pager

import (
	"bytes"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// BTree — the primary/attribute/entity-attribute index structure
// ───────────────────────────────────────────────────────────────────────────
//
// Each index is a B-tree keyed by a fixed 32-byte composite key, identified
// by its root page id. Mutations happen within a transaction (txID) and are
// WAL-logged by the underlying Pager. Deletes are mark-and-remove only:
// there is no underflow/merge step, matching the engine's append-mostly,
// tombstone-and-GC model of reclamation (see the tombstone list).

// BTree represents one B-tree stored in the pager.
type BTree struct {
	pager *Pager
	root  PageID
}

// NewBTree creates a handle to an existing B-tree with the given root.
func NewBTree(p *Pager, root PageID) *BTree {
	return &BTree{pager: p, root: root}
}

// CreateBTree allocates a new B-tree with an empty leaf root page.
func CreateBTree(p *Pager, txID TxID) (*BTree, error) {
	rootID, rootBuf, err := p.AllocPage()
	if err != nil {
		return nil, err
	}
	InitBTreePage(rootBuf, true)
	SetPageCRC(rootBuf)
	if err := p.WritePage(txID, rootID, rootBuf); err != nil {
		return nil, err
	}
	p.UnpinPage(rootID)
	return &BTree{pager: p, root: rootID}, nil
}

// Root returns the root page ID.
func (bt *BTree) Root() PageID { return bt.root }

// ── Search ────────────────────────────────────────────────────────────────

// Get looks up a key, transparently dereferencing overflow-stored values.
func (bt *BTree) Get(key [KeySize]byte) ([]byte, bool, error) {
	leafID, err := bt.findLeaf(key)
	if err != nil {
		return nil, false, err
	}
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return nil, false, err
	}
	defer bt.pager.UnpinPage(leafID)

	bp := WrapBTreePage(buf)
	entry, _, found := bp.FindLeafEntry(key)
	if !found {
		return nil, false, nil
	}
	return bt.resolveValue(entry.Value)
}

func (bt *BTree) resolveValue(raw []byte) ([]byte, bool, error) {
	if IsOverflowReference(raw) {
		ref, err := OverflowReferenceFromBytes(raw)
		if err != nil {
			return nil, false, err
		}
		val, err := ReadOverflowChain(ref, bt.pager.ReadPage)
		if err != nil {
			return nil, false, err
		}
		return val, true, nil
	}
	return raw, true, nil
}

func (bt *BTree) findLeaf(key [KeySize]byte) (PageID, error) {
	path, err := bt.pathToLeaf(key)
	if err != nil {
		return InvalidPageID, err
	}
	return path[len(path)-1], nil
}

// pathToLeaf returns the page IDs from root to the leaf containing key.
func (bt *BTree) pathToLeaf(key [KeySize]byte) ([]PageID, error) {
	var path []PageID
	pageID := bt.root
	for {
		path = append(path, pageID)
		buf, err := bt.pager.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		bp := WrapBTreePage(buf)
		isLeaf := bp.IsLeaf()
		var child PageID
		if !isLeaf {
			child = bp.FindChild(key)
		}
		bt.pager.UnpinPage(pageID)
		if isLeaf {
			return path, nil
		}
		pageID = child
	}
}

// ── Insert ────────────────────────────────────────────────────────────────

// Insert adds or replaces the value for key within the given transaction.
// Values larger than MaxInlineValueSize are written to an overflow page
// chain and replaced inline with a 13-byte reference.
func (bt *BTree) Insert(txID TxID, key [KeySize]byte, value []byte) error {
	stored := value
	if len(value) > MaxInlineValueSize {
		ref, err := WriteOverflowChain(value, bt.pager.pageSize, bt.pager.AllocPage, func(id PageID, buf []byte) error {
			return bt.pager.WritePage(txID, id, buf)
		})
		if err != nil {
			return err
		}
		stored = ref.ToBytes()
	}
	return bt.insertIntoTree(txID, key, stored)
}

func (bt *BTree) insertIntoTree(txID TxID, key [KeySize]byte, stored []byte) error {
	path, err := bt.pathToLeaf(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return err
	}
	bp := WrapBTreePage(buf)
	entries := bp.GetAllLeafEntries()

	pos := -1
	for i, e := range entries {
		if bytes.Equal(e.Key[:], key[:]) {
			pos = i
			break
		}
	}
	if pos >= 0 {
		if IsOverflowReference(entries[pos].Value) {
			if ref, err := OverflowReferenceFromBytes(entries[pos].Value); err == nil {
				bt.freeOverflowChain(ref.FirstPageID)
			}
		}
		entries[pos].Value = stored
	} else {
		entries = insertSortedLeaf(entries, LeafEntry{Key: key, Value: stored})
	}

	bt.pager.UnpinPage(leafID)

	if WouldFit(bt.pager.pageSize, entries) {
		buf2, err := bt.pager.ReadPage(leafID)
		if err != nil {
			return err
		}
		bp2 := WrapBTreePage(buf2)
		if err := bp2.SetLeafEntries(entries); err != nil {
			bt.pager.UnpinPage(leafID)
			return err
		}
		bt.pager.UnpinPage(leafID)
		return bt.pager.WritePage(txID, leafID, buf2)
	}
	return bt.splitLeaf(txID, path, leafID, entries)
}

func insertSortedLeaf(entries []LeafEntry, e LeafEntry) []LeafEntry {
	i := 0
	for ; i < len(entries); i++ {
		if bytes.Compare(e.Key[:], entries[i].Key[:]) < 0 {
			break
		}
	}
	entries = append(entries, LeafEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func (bt *BTree) splitLeaf(txID TxID, path []PageID, leafID PageID, entries []LeafEntry) error {
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return err
	}
	bp := WrapBTreePage(buf)
	oldNext := bp.NextLeaf()
	oldPrev := bp.PrevLeaf()
	bt.pager.UnpinPage(leafID)

	mid := len(entries) / 2
	leftEntries := entries[:mid]
	rightEntries := entries[mid:]
	splitKey := rightEntries[0].Key

	leftBuf := make([]byte, bt.pager.pageSize)
	leftBP := InitBTreePage(leftBuf, true)
	if err := leftBP.SetLeafEntries(leftEntries); err != nil {
		return fmt.Errorf("split left: %w", err)
	}

	rightID, rightBuf, err := bt.pager.AllocPage()
	if err != nil {
		return err
	}
	rightBP := InitBTreePage(rightBuf, true)
	if err := rightBP.SetLeafEntries(rightEntries); err != nil {
		return fmt.Errorf("split right: %w", err)
	}

	leftBP.SetPrevLeaf(oldPrev)
	leftBP.SetNextLeaf(rightID)
	rightBP.SetPrevLeaf(leafID)
	rightBP.SetNextLeaf(oldNext)
	leftBP.finalize()
	rightBP.finalize()

	if err := bt.pager.WritePage(txID, leafID, leftBuf); err != nil {
		return err
	}
	if err := bt.pager.WritePage(txID, rightID, rightBuf); err != nil {
		return err
	}

	if oldNext != InvalidPageID {
		nextBuf, err := bt.pager.ReadPage(oldNext)
		if err == nil {
			nextBP := WrapBTreePage(nextBuf)
			nextBP.SetPrevLeaf(rightID)
			nextBP.finalize()
			_ = bt.pager.WritePage(txID, oldNext, nextBuf)
			bt.pager.UnpinPage(oldNext)
		}
	}

	return bt.insertIntoParent(txID, path[:len(path)-1], leafID, splitKey, rightID)
}

// insertIntoParent wires a freshly split child's separator key into its
// parent, splitting the parent in turn if it overflows, and recursing up
// to a new root if the root itself split.
func (bt *BTree) insertIntoParent(txID TxID, path []PageID, leftID PageID, key [KeySize]byte, rightID PageID) error {
	if len(path) == 0 {
		return bt.createNewRoot(txID, leftID, key, rightID)
	}

	parentID := path[len(path)-1]
	buf, err := bt.pager.ReadPage(parentID)
	if err != nil {
		return err
	}
	bp := WrapBTreePage(buf)
	entries := bp.GetAllInternalEntries()
	oldRight := bp.RightChild()
	bt.pager.UnpinPage(parentID)

	children := make([]PageID, len(entries)+1)
	keys := make([][KeySize]byte, len(entries))
	for i, e := range entries {
		children[i] = e.ChildID
		keys[i] = e.Key
	}
	children[len(entries)] = oldRight

	j := -1
	for i, c := range children {
		if c == leftID {
			j = i
			break
		}
	}
	if j == -1 {
		return fmt.Errorf("%w: split child %d not found in parent %d", ErrInvalidHeader, leftID, parentID)
	}

	newChildren := make([]PageID, 0, len(children)+1)
	newChildren = append(newChildren, children[:j+1]...)
	newChildren = append(newChildren, rightID)
	newChildren = append(newChildren, children[j+1:]...)

	newKeys := make([][KeySize]byte, 0, len(keys)+1)
	newKeys = append(newKeys, keys[:j]...)
	newKeys = append(newKeys, key)
	newKeys = append(newKeys, keys[j:]...)

	newEntries := make([]InternalEntry, len(newKeys))
	for i := range newKeys {
		newEntries[i] = InternalEntry{Key: newKeys[i], ChildID: newChildren[i]}
	}
	newRightChild := newChildren[len(newChildren)-1]

	if len(newEntries) <= MaxInternalKeys(bt.pager.pageSize) {
		buf2, err := bt.pager.ReadPage(parentID)
		if err != nil {
			return err
		}
		bp2 := WrapBTreePage(buf2)
		if err := bp2.SetInternalEntries(newEntries, newRightChild); err != nil {
			bt.pager.UnpinPage(parentID)
			return err
		}
		bt.pager.UnpinPage(parentID)
		return bt.pager.WritePage(txID, parentID, buf2)
	}

	return bt.splitInternal(txID, path, parentID, newEntries, newRightChild)
}

func (bt *BTree) splitInternal(txID TxID, path []PageID, parentID PageID, entries []InternalEntry, rightChild PageID) error {
	children := make([]PageID, len(entries)+1)
	keys := make([][KeySize]byte, len(entries))
	for i, e := range entries {
		children[i] = e.ChildID
		keys[i] = e.Key
	}
	children[len(entries)] = rightChild

	mid := len(keys) / 2
	leftChildren := children[:mid+1]
	leftKeys := keys[:mid]
	promoted := keys[mid]
	rightChildren := children[mid+1:]
	rightKeys := keys[mid+1:]

	leftEntries := make([]InternalEntry, len(leftKeys))
	for i := range leftKeys {
		leftEntries[i] = InternalEntry{Key: leftKeys[i], ChildID: leftChildren[i]}
	}
	leftRight := leftChildren[len(leftChildren)-1]

	rightEntries := make([]InternalEntry, len(rightKeys))
	for i := range rightKeys {
		rightEntries[i] = InternalEntry{Key: rightKeys[i], ChildID: rightChildren[i]}
	}
	rightRight := rightChildren[len(rightChildren)-1]

	leftBuf := make([]byte, bt.pager.pageSize)
	leftBP := InitBTreePage(leftBuf, false)
	if err := leftBP.SetInternalEntries(leftEntries, leftRight); err != nil {
		return fmt.Errorf("split internal left: %w", err)
	}

	newRightID, rightBuf, err := bt.pager.AllocPage()
	if err != nil {
		return err
	}
	rightBP := InitBTreePage(rightBuf, false)
	if err := rightBP.SetInternalEntries(rightEntries, rightRight); err != nil {
		return fmt.Errorf("split internal right: %w", err)
	}

	if err := bt.pager.WritePage(txID, parentID, leftBuf); err != nil {
		return err
	}
	if err := bt.pager.WritePage(txID, newRightID, rightBuf); err != nil {
		return err
	}

	return bt.insertIntoParent(txID, path[:len(path)-1], parentID, promoted, newRightID)
}

func (bt *BTree) createNewRoot(txID TxID, leftID PageID, key [KeySize]byte, rightID PageID) error {
	rootID, rootBuf, err := bt.pager.AllocPage()
	if err != nil {
		return err
	}
	rootBP := InitBTreePage(rootBuf, false)
	if err := rootBP.SetInternalEntries([]InternalEntry{{Key: key, ChildID: leftID}}, rightID); err != nil {
		return err
	}
	if err := bt.pager.WritePage(txID, rootID, rootBuf); err != nil {
		return err
	}
	bt.pager.UnpinPage(rootID)
	bt.root = rootID
	return nil
}

// ── Delete ────────────────────────────────────────────────────────────────

// Delete removes a key from the tree and frees the key's overflow chain, if
// any. There is no underflow or merge step; leaves simply shrink and are
// never freed. Compact returns unreachable pages to the bitmap but does not
// rebuild the tree.
func (bt *BTree) Delete(txID TxID, key [KeySize]byte) (bool, error) {
	leafID, err := bt.findLeaf(key)
	if err != nil {
		return false, err
	}
	buf, err := bt.pager.ReadPage(leafID)
	if err != nil {
		return false, err
	}
	bp := WrapBTreePage(buf)
	entries := bp.GetAllLeafEntries()

	pos := -1
	for i, e := range entries {
		if bytes.Equal(e.Key[:], key[:]) {
			pos = i
			break
		}
	}
	if pos == -1 {
		bt.pager.UnpinPage(leafID)
		return false, nil
	}
	if IsOverflowReference(entries[pos].Value) {
		if ref, err := OverflowReferenceFromBytes(entries[pos].Value); err == nil {
			bt.freeOverflowChain(ref.FirstPageID)
		}
	}
	entries = append(entries[:pos], entries[pos+1:]...)
	if err := bp.SetLeafEntries(entries); err != nil {
		bt.pager.UnpinPage(leafID)
		return false, err
	}
	bt.pager.UnpinPage(leafID)
	if err := bt.pager.WritePage(txID, leafID, buf); err != nil {
		return false, err
	}
	return true, nil
}

// ── Range scan ────────────────────────────────────────────────────────────

// ScanRange calls fn for each key-value pair with startKey <= key <= endKey
// (a nil endKey scans to the end of the tree), following leaf
// sibling pointers rather than re-descending the tree for each leaf.
func (bt *BTree) ScanRange(startKey [KeySize]byte, endKey *[KeySize]byte, fn func(key [KeySize]byte, value []byte) bool) error {
	leafID, err := bt.findLeaf(startKey)
	if err != nil {
		return err
	}
	for leafID != InvalidPageID {
		buf, err := bt.pager.ReadPage(leafID)
		if err != nil {
			return err
		}
		bp := WrapBTreePage(buf)
		entries := bp.GetAllLeafEntries()
		next := bp.NextLeaf()
		bt.pager.UnpinPage(leafID)

		for _, e := range entries {
			if bytes.Compare(e.Key[:], startKey[:]) < 0 {
				continue
			}
			if endKey != nil && bytes.Compare(e.Key[:], endKey[:]) > 0 {
				return nil
			}
			val, _, err := bt.resolveValue(e.Value)
			if err != nil {
				return err
			}
			if !fn(e.Key, val) {
				return nil
			}
		}
		leafID = next
	}
	return nil
}

func (bt *BTree) freeOverflowChain(headID PageID) {
	pid := headID
	for pid != InvalidPageID {
		buf, err := bt.pager.ReadPage(pid)
		if err != nil {
			break
		}
		op := WrapOverflowPage(buf)
		next := op.NextOverflow()
		bt.pager.UnpinPage(pid)
		_ = bt.pager.FreePage(pid)
		pid = next
	}
}

// Count returns the total number of key-value pairs in the tree by walking
// the leaf sibling chain from the leftmost leaf.
func (bt *BTree) Count() (int, error) {
	pageID := bt.root
	for {
		buf, err := bt.pager.ReadPage(pageID)
		if err != nil {
			return 0, err
		}
		bp := WrapBTreePage(buf)
		if bp.IsLeaf() {
			bt.pager.UnpinPage(pageID)
			break
		}
		entries := bp.GetAllInternalEntries()
		var child PageID
		if len(entries) > 0 {
			child = entries[0].ChildID
		} else {
			child = bp.RightChild()
		}
		bt.pager.UnpinPage(pageID)
		pageID = child
	}

	count := 0
	for pageID != InvalidPageID {
		buf, err := bt.pager.ReadPage(pageID)
		if err != nil {
			return 0, err
		}
		bp := WrapBTreePage(buf)
		count += bp.KeyCount()
		next := bp.NextLeaf()
		bt.pager.UnpinPage(pageID)
		pageID = next
	}
	return count, nil
}
