package btree

import (
	"errors"
	"fmt"

	"github.com/SimonCqk/cannondb/internal/cache"
	"github.com/SimonCqk/cannondb/internal/cdblog"
	"github.com/SimonCqk/cannondb/internal/pager"
	"github.com/SimonCqk/cannondb/value"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("btree: key not found")

// ErrDuplicateKey is returned by Insert when the key already exists
// and override was not requested.
var ErrDuplicateKey = errors.New("btree: duplicate key")

// BTree is the on-disk B-tree over a Pager/Cache pair. It never keeps
// nodes across calls; every operation borrows pages through the
// cache and lets them go.
type BTree struct {
	pager *pager.Pager
	cache *cache.Cache
	order uint32
	log   *cdblog.Logger
}

// New builds a BTree of the given order over p/c. The caller is
// responsible for having already validated order >= 3.
func New(p *pager.Pager, c *cache.Cache, order uint32, log *cdblog.Logger) *BTree {
	if log == nil {
		log = cdblog.Noop()
	}
	return &BTree{pager: p, cache: c, order: order, log: log.With("btree")}
}

func (t *BTree) load(pageNo uint32) (*Node, error) {
	data, err := t.cache.Get(pageNo)
	if err != nil {
		return nil, err
	}
	return decodeNode(data, pageNo)
}

func (t *BTree) save(n *Node) error {
	data, err := encodeNode(n, t.pager.PageSize())
	if err != nil {
		return err
	}
	return t.cache.PutDirty(n.PageNo, data)
}

// free returns pageNo to the pager's free list and writes its new
// link-page content through the cache, exactly like any other page
// mutation, so the free is captured by the next commit's WAL frames
// instead of landing directly on the main file ahead of it.
func (t *BTree) free(pageNo uint32) error {
	data, err := t.pager.Free(pageNo)
	if err != nil {
		return err
	}
	return t.cache.PutDirty(pageNo, data)
}

// searchEntries returns the index of key if present (found=true), or
// the insertion point / routing index (smallest i with key <
// entries[i].Key) if not.
func searchEntries(entries []Entry, key []byte) (idx int, found bool) {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		c := value.Compare(key, entries[mid].Key)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// Search returns the value stored for key, or ErrNotFound.
func (t *BTree) Search(key []byte) ([]byte, error) {
	rootNo := t.pager.RootPageNo()
	if rootNo == 0 {
		return nil, ErrNotFound
	}
	pageNo := rootNo
	for {
		node, err := t.load(pageNo)
		if err != nil {
			return nil, err
		}
		idx, found := searchEntries(node.Entries, key)
		if found {
			out := make([]byte, len(node.Entries[idx].Value))
			copy(out, node.Entries[idx].Value)
			return out, nil
		}
		if node.isLeaf() {
			return nil, ErrNotFound
		}
		pageNo = node.Children[idx]
	}
}

// Insert adds key/value. If key already exists: overwrites when
// override is true, else fails ErrDuplicateKey.
func (t *BTree) Insert(key, val []byte, override bool) error {
	rootNo := t.pager.RootPageNo()
	if rootNo == 0 {
		n, err := t.pager.Allocate(t.cache.Get)
		if err != nil {
			return err
		}
		root := &Node{Kind: KindLeaf, PageNo: n, Entries: []Entry{{Key: key, Value: val}}}
		if err := t.save(root); err != nil {
			return err
		}
		t.pager.SetRootPageNo(n)
		return nil
	}

	res, err := t.insertRec(rootNo, key, val, override)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}

	newRootNo, err := t.pager.Allocate(t.cache.Get)
	if err != nil {
		return err
	}
	newRoot := &Node{
		Kind:     KindBranch,
		PageNo:   newRootNo,
		Entries:  []Entry{{Key: res.promotedKey, Value: res.promotedValue}},
		Children: []uint32{rootNo, res.newRightPage},
	}
	if err := t.save(newRoot); err != nil {
		return err
	}
	t.pager.SetRootPageNo(newRootNo)
	return nil
}

type splitResult struct {
	promotedKey   []byte
	promotedValue []byte
	newRightPage  uint32
}

func (t *BTree) insertRec(pageNo uint32, key, val []byte, override bool) (*splitResult, error) {
	node, err := t.load(pageNo)
	if err != nil {
		return nil, err
	}

	idx, found := searchEntries(node.Entries, key)
	if found {
		if !override {
			return nil, ErrDuplicateKey
		}
		node.Entries[idx].Value = val
		return nil, t.save(node)
	}

	if node.isLeaf() {
		node.Entries = insertEntryAt(node.Entries, idx, Entry{Key: key, Value: val})
		if err := t.save(node); err != nil {
			return nil, err
		}
		if len(node.Entries) > maxEntries(t.order) {
			return t.splitLeaf(node)
		}
		return nil, nil
	}

	childRes, err := t.insertRec(node.Children[idx], key, val, override)
	if err != nil {
		return nil, err
	}
	if childRes == nil {
		return nil, nil
	}

	node.Entries = insertEntryAt(node.Entries, idx, Entry{Key: childRes.promotedKey, Value: childRes.promotedValue})
	node.Children = insertChildAt(node.Children, idx+1, childRes.newRightPage)
	if err := t.save(node); err != nil {
		return nil, err
	}
	if len(node.Entries) > maxEntries(t.order) {
		return t.splitBranch(node)
	}
	return nil, nil
}

// splitLeaf partitions an overflowed leaf around the median (index
// order/2 of the overflow set), promoting the median entry itself:
// it moves out of both halves and up into the parent.
func (t *BTree) splitLeaf(node *Node) (*splitResult, error) {
	mid := int(t.order) / 2
	median := node.Entries[mid]
	left := append([]Entry(nil), node.Entries[:mid]...)
	right := append([]Entry(nil), node.Entries[mid+1:]...)

	newPageNo, err := t.pager.Allocate(t.cache.Get)
	if err != nil {
		return nil, err
	}
	rightNode := &Node{Kind: KindLeaf, PageNo: newPageNo, Entries: right}
	if err := t.save(rightNode); err != nil {
		return nil, err
	}

	node.Entries = left
	if err := t.save(node); err != nil {
		return nil, err
	}

	return &splitResult{promotedKey: median.Key, promotedValue: median.Value, newRightPage: newPageNo}, nil
}

// splitBranch mirrors splitLeaf but also partitions the children array.
func (t *BTree) splitBranch(node *Node) (*splitResult, error) {
	mid := int(t.order) / 2
	median := node.Entries[mid]
	leftEntries := append([]Entry(nil), node.Entries[:mid]...)
	rightEntries := append([]Entry(nil), node.Entries[mid+1:]...)
	leftChildren := append([]uint32(nil), node.Children[:mid+1]...)
	rightChildren := append([]uint32(nil), node.Children[mid+1:]...)

	newPageNo, err := t.pager.Allocate(t.cache.Get)
	if err != nil {
		return nil, err
	}
	rightNode := &Node{Kind: KindBranch, PageNo: newPageNo, Entries: rightEntries, Children: rightChildren}
	if err := t.save(rightNode); err != nil {
		return nil, err
	}

	node.Entries = leftEntries
	node.Children = leftChildren
	if err := t.save(node); err != nil {
		return nil, err
	}

	return &splitResult{promotedKey: median.Key, promotedValue: median.Value, newRightPage: newPageNo}, nil
}

// Remove deletes key, or fails ErrNotFound.
func (t *BTree) Remove(key []byte) error {
	rootNo := t.pager.RootPageNo()
	if rootNo == 0 {
		return ErrNotFound
	}
	if err := t.removeRec(rootNo, key); err != nil {
		return err
	}

	root, err := t.load(t.pager.RootPageNo())
	if err != nil {
		return err
	}
	if root.Kind == KindBranch && len(root.Entries) == 0 {
		newRootNo := root.Children[0]
		t.pager.SetRootPageNo(newRootNo)
		if err := t.free(root.PageNo); err != nil {
			return err
		}
	}
	return nil
}

// leftmostEntry returns the leftmost (key, value) reachable from pageNo.
func (t *BTree) leftmostEntry(pageNo uint32) (Entry, error) {
	for {
		node, err := t.load(pageNo)
		if err != nil {
			return Entry{}, err
		}
		if node.isLeaf() {
			if len(node.Entries) == 0 {
				return Entry{}, fmt.Errorf("btree: empty leaf at page %d", pageNo)
			}
			return node.Entries[0], nil
		}
		pageNo = node.Children[0]
	}
}

func (t *BTree) removeRec(pageNo uint32, key []byte) error {
	node, err := t.load(pageNo)
	if err != nil {
		return err
	}

	idx, found := searchEntries(node.Entries, key)

	if node.isLeaf() {
		if !found {
			return ErrNotFound
		}
		node.Entries = removeEntryAt(node.Entries, idx)
		return t.save(node)
	}

	if found {
		succ, err := t.leftmostEntry(node.Children[idx+1])
		if err != nil {
			return err
		}
		node.Entries[idx] = succ
		if err := t.save(node); err != nil {
			return err
		}
		if err := t.removeRec(node.Children[idx+1], succ.Key); err != nil {
			return err
		}
		return t.fixChildUnderflow(node, idx+1)
	}

	if err := t.removeRec(node.Children[idx], key); err != nil {
		return err
	}
	return t.fixChildUnderflow(node, idx)
}

// fixChildUnderflow rebalances parent.Children[childIdx] if it has
// fewer than minEntries, preferring to borrow from the left sibling,
// then the right sibling, then merging (left sibling preferred as the
// merge target) as a last resort.
func (t *BTree) fixChildUnderflow(parent *Node, childIdx int) error {
	child, err := t.load(parent.Children[childIdx])
	if err != nil {
		return err
	}
	if len(child.Entries) >= minEntries(t.order) {
		return nil
	}

	if childIdx > 0 {
		leftSib, err := t.load(parent.Children[childIdx-1])
		if err != nil {
			return err
		}
		if len(leftSib.Entries) > minEntries(t.order) {
			return t.borrowFromLeft(parent, childIdx, leftSib, child)
		}
	}
	if childIdx < len(parent.Children)-1 {
		rightSib, err := t.load(parent.Children[childIdx+1])
		if err != nil {
			return err
		}
		if len(rightSib.Entries) > minEntries(t.order) {
			return t.borrowFromRight(parent, childIdx, child, rightSib)
		}
	}
	if childIdx > 0 {
		return t.mergeWithLeft(parent, childIdx)
	}
	return t.mergeWithRight(parent, childIdx)
}

func (t *BTree) borrowFromLeft(parent *Node, childIdx int, leftSib, child *Node) error {
	sep := parent.Entries[childIdx-1]
	lastLeft := leftSib.Entries[len(leftSib.Entries)-1]

	child.Entries = insertEntryAt(child.Entries, 0, sep)
	leftSib.Entries = removeEntryAt(leftSib.Entries, len(leftSib.Entries)-1)
	if child.Kind == KindBranch {
		movedChild := leftSib.Children[len(leftSib.Children)-1]
		child.Children = insertChildAt(child.Children, 0, movedChild)
		leftSib.Children = removeChildAt(leftSib.Children, len(leftSib.Children)-1)
	}
	parent.Entries[childIdx-1] = lastLeft

	if err := t.save(leftSib); err != nil {
		return err
	}
	if err := t.save(child); err != nil {
		return err
	}
	return t.save(parent)
}

func (t *BTree) borrowFromRight(parent *Node, childIdx int, child, rightSib *Node) error {
	sep := parent.Entries[childIdx]
	firstRight := rightSib.Entries[0]

	child.Entries = append(child.Entries, sep)
	rightSib.Entries = removeEntryAt(rightSib.Entries, 0)
	if child.Kind == KindBranch {
		movedChild := rightSib.Children[0]
		child.Children = append(child.Children, movedChild)
		rightSib.Children = removeChildAt(rightSib.Children, 0)
	}
	parent.Entries[childIdx] = firstRight

	if err := t.save(child); err != nil {
		return err
	}
	if err := t.save(rightSib); err != nil {
		return err
	}
	return t.save(parent)
}

// mergeWithLeft folds parent.Children[childIdx] into its left sibling
// through the separating parent entry, then drops that entry/pointer
// from parent and frees the now-empty right-hand page.
func (t *BTree) mergeWithLeft(parent *Node, childIdx int) error {
	leftSib, err := t.load(parent.Children[childIdx-1])
	if err != nil {
		return err
	}
	child, err := t.load(parent.Children[childIdx])
	if err != nil {
		return err
	}
	sep := parent.Entries[childIdx-1]

	merged := make([]Entry, 0, len(leftSib.Entries)+1+len(child.Entries))
	merged = append(merged, leftSib.Entries...)
	merged = append(merged, sep)
	merged = append(merged, child.Entries...)
	leftSib.Entries = merged
	if leftSib.Kind == KindBranch {
		leftSib.Children = append(append([]uint32(nil), leftSib.Children...), child.Children...)
	}
	if err := t.save(leftSib); err != nil {
		return err
	}

	parent.Entries = removeEntryAt(parent.Entries, childIdx-1)
	parent.Children = removeChildAt(parent.Children, childIdx)
	if err := t.save(parent); err != nil {
		return err
	}
	return t.free(child.PageNo)
}

// mergeWithRight folds the right sibling into parent.Children[childIdx].
func (t *BTree) mergeWithRight(parent *Node, childIdx int) error {
	child, err := t.load(parent.Children[childIdx])
	if err != nil {
		return err
	}
	rightSib, err := t.load(parent.Children[childIdx+1])
	if err != nil {
		return err
	}
	sep := parent.Entries[childIdx]

	merged := make([]Entry, 0, len(child.Entries)+1+len(rightSib.Entries))
	merged = append(merged, child.Entries...)
	merged = append(merged, sep)
	merged = append(merged, rightSib.Entries...)
	child.Entries = merged
	if child.Kind == KindBranch {
		child.Children = append(append([]uint32(nil), child.Children...), rightSib.Children...)
	}
	if err := t.save(child); err != nil {
		return err
	}

	parent.Entries = removeEntryAt(parent.Entries, childIdx)
	parent.Children = removeChildAt(parent.Children, childIdx+1)
	if err := t.save(parent); err != nil {
		return err
	}
	return t.free(rightSib.PageNo)
}

// Walk performs an in-order traversal of the whole tree, calling fn
// for every entry in ascending key order. Used by consistency checks
// and tests; not part of the engine's user-facing surface.
func (t *BTree) Walk(fn func(key, value []byte) error) error {
	rootNo := t.pager.RootPageNo()
	if rootNo == 0 {
		return nil
	}
	return t.walkRec(rootNo, fn)
}

func (t *BTree) walkRec(pageNo uint32, fn func(key, value []byte) error) error {
	node, err := t.load(pageNo)
	if err != nil {
		return err
	}
	if node.isLeaf() {
		for _, e := range node.Entries {
			if err := fn(e.Key, e.Value); err != nil {
				return err
			}
		}
		return nil
	}
	for i, e := range node.Entries {
		if err := t.walkRec(node.Children[i], fn); err != nil {
			return err
		}
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
	return t.walkRec(node.Children[len(node.Entries)], fn)
}
