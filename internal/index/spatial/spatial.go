// Package spatial implements the R*-tree spatial index:
// reinsertion-on-overflow with a forced reinsert at the leaf level
// before a leaf is finally split (internal nodes that overflow are
// split directly), an MBR-then-exact-EWKB two-pass predicate,
// great-circle WGS84 distance for nearest_k, and the area_ratio
// figure the query planner's cost model consumes.
//
// Nodes are serialised JSON records persisted through kvengine like
// every other index family, under idx:spa:<table>:<field>:.
package spatial

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"

	"github.com/cuemby/themisdb/internal/dberr"
	"github.com/cuemby/themisdb/internal/keyenc"
	"github.com/cuemby/themisdb/internal/metrics"
)

// Reader is the subset of kvengine.Engine/Snapshot node lookups read
// through.
type Reader interface {
	Get(key []byte) ([]byte, error)
}

// Writer is the subset of kvengine.Batch node writes go through.
type Writer interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// MBR is an axis-aligned bounding box in (lon, lat) order.
type MBR struct {
	MinX, MinY, MaxX, MaxY float64
}

// Area returns the MBR's planar area, used for split cost and for the
// area_ratio the planner's cost model consumes.
func (m MBR) Area() float64 {
	return (m.MaxX - m.MinX) * (m.MaxY - m.MinY)
}

// Union returns the smallest MBR covering both m and o.
func (m MBR) Union(o MBR) MBR {
	return MBR{
		MinX: math.Min(m.MinX, o.MinX),
		MinY: math.Min(m.MinY, o.MinY),
		MaxX: math.Max(m.MaxX, o.MaxX),
		MaxY: math.Max(m.MaxY, o.MaxY),
	}
}

// Intersects reports whether m and o overlap (touching counts).
func (m MBR) Intersects(o MBR) bool {
	return m.MinX <= o.MaxX && o.MinX <= m.MaxX && m.MinY <= o.MaxY && o.MinY <= m.MaxY
}

// Contains reports whether o lies entirely inside m.
func (m MBR) Contains(o MBR) bool {
	return o.MinX >= m.MinX && o.MaxX <= m.MaxX && o.MinY >= m.MinY && o.MaxY <= m.MaxY
}

func (m MBR) center() (float64, float64) {
	return (m.MinX + m.MaxX) / 2, (m.MinY + m.MaxY) / 2
}

// enlargement is the area growth of m were it unioned with o.
func (m MBR) enlargement(o MBR) float64 {
	return m.Union(o).Area() - m.Area()
}

// entry is one child reference: an internal node's entry points at a
// child node id, a leaf entry carries the indexed row's pk and the raw
// EWKB geometry used for the exact second pass.
type entry struct {
	MBR   MBR    `json:"mbr"`
	Child string `json:"child,omitempty"`
	PK    string `json:"pk,omitempty"`
	EWKB  []byte `json:"ewkb,omitempty"`
}

func (e entry) isLeafEntry() bool { return e.Child == "" }

type node struct {
	ID      string  `json:"id"`
	Leaf    bool    `json:"leaf"`
	Level   int     `json:"level"` // 0 at leaves, increases toward the root
	Entries []entry `json:"entries"`
}

func (n node) mbr() MBR {
	if len(n.Entries) == 0 {
		return MBR{}
	}
	box := n.Entries[0].MBR
	for _, e := range n.Entries[1:] {
		box = box.Union(e.MBR)
	}
	return box
}

// Index maintains one table/field R*-tree.
type Index struct {
	Table     string
	Field     string
	MaxEntries int // node fan-out before overflow handling kicks in
	MinEntries int
	ReinsertP  int // percentage of entries forced-reinserted on overflow

	nextID int
}

// NewIndex constructs an Index with working defaults.
func NewIndex(table, field string) *Index {
	return &Index{Table: table, Field: field, MaxEntries: 8, MinEntries: 3, ReinsertP: 30}
}

func (idx *Index) prefix() []byte { return keyenc.SpatialPrefix(idx.Table, idx.Field) }

func (idx *Index) nodeKey(id string) []byte {
	return append(append([]byte(nil), idx.prefix()...), []byte("node:"+id)...)
}

func (idx *Index) rootKey() []byte {
	return append(append([]byte(nil), idx.prefix()...), []byte("root")...)
}

func (idx *Index) pkLocKey(pk string) []byte {
	return append(append([]byte(nil), idx.prefix()...), []byte("pkloc:"+pk)...)
}

func (idx *Index) counterKey() []byte {
	return append(append([]byte(nil), idx.prefix()...), []byte("counter")...)
}

func (idx *Index) loadNode(r Reader, id string) (*node, bool, error) {
	raw, err := r.Get(idx.nodeKey(id))
	if err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, nil
	}
	var n node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false, dberr.Wrap(dberr.Corruption, err)
	}
	return &n, true, nil
}

func (idx *Index) saveNode(w Writer, n *node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	w.Put(idx.nodeKey(n.ID), raw)
	return nil
}

func (idx *Index) loadRoot(r Reader) (string, bool, error) {
	raw, err := r.Get(idx.rootKey())
	if err != nil {
		return "", false, err
	}
	if raw == nil {
		return "", false, nil
	}
	return string(raw), true, nil
}

func (idx *Index) saveRoot(w Writer, id string) {
	w.Put(idx.rootKey(), []byte(id))
}

// allocID returns a fresh node id, persisting the bumped counter.
func (idx *Index) allocID(r Reader, w Writer) (string, error) {
	raw, err := r.Get(idx.counterKey())
	if err != nil {
		return "", err
	}
	var n uint64
	if raw != nil {
		n = binary.BigEndian.Uint64(raw)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	w.Put(idx.counterKey(), buf)
	return "n" + string(buf), nil
}

// Insert adds pk with bounding box mbr and optional raw EWKB geometry
// for the exact-predicate second pass.
func (idx *Index) Insert(r Reader, w Writer, pk string, mbr MBR, ewkb []byte) error {
	rootID, hasRoot, err := idx.loadRoot(r)
	if err != nil {
		return err
	}
	leafEntry := entry{MBR: mbr, PK: pk, EWKB: ewkb}

	if !hasRoot {
		id, err := idx.allocID(r, w)
		if err != nil {
			return err
		}
		root := &node{ID: id, Leaf: true, Level: 0, Entries: []entry{leafEntry}}
		if err := idx.saveNode(w, root); err != nil {
			return err
		}
		idx.saveRoot(w, id)
		w.Put(idx.pkLocKey(pk), []byte(id))
		return nil
	}

	path, err := idx.chooseLeafPath(r, rootID, mbr)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]
	leaf, ok, err := idx.loadNode(r, leafID)
	if err != nil || !ok {
		return err
	}
	leaf.Entries = append(leaf.Entries, leafEntry)
	w.Put(idx.pkLocKey(pk), []byte(leafID))

	return idx.adjustTree(r, w, path, leaf, map[int]bool{})
}

// chooseLeafPath walks down from root picking the child whose MBR
// needs the least enlargement to cover mbr, breaking ties by smaller
// resulting area, returning the full root-to-leaf path.
func (idx *Index) chooseLeafPath(r Reader, rootID string, mbr MBR) ([]string, error) {
	path := []string{rootID}
	cur := rootID
	for {
		n, ok, err := idx.loadNode(r, cur)
		if err != nil || !ok {
			return path, err
		}
		if n.Leaf {
			return path, nil
		}
		best := -1
		var bestEnlargement, bestArea float64
		for i, e := range n.Entries {
			enl := e.MBR.enlargement(mbr)
			area := e.MBR.Union(mbr).Area()
			if best == -1 || enl < bestEnlargement || (enl == bestEnlargement && area < bestArea) {
				best, bestEnlargement, bestArea = i, enl, area
			}
		}
		if best == -1 {
			return path, nil
		}
		cur = n.Entries[best].Child
		path = append(path, cur)
	}
}

// adjustTree propagates a node's new contents up the path, handling
// overflow at each level via the reinsert-then-split policy, and
// rewriting ancestor MBRs.
func (idx *Index) adjustTree(r Reader, w Writer, path []string, changed *node, reinsertedLevels map[int]bool) error {
	if len(changed.Entries) <= idx.MaxEntries {
		if err := idx.saveNode(w, changed); err != nil {
			return err
		}
		return idx.updateAncestors(r, w, path, changed)
	}

	// Forced reinsert only applies at leaves: a removed leaf entry
	// re-enters through the ordinary Insert path, whereas a removed
	// internal entry would need insert-at-level machinery this tree
	// doesn't carry. Internal overflow goes straight to a split.
	level := len(path) - 1
	if !reinsertedLevels[level] && len(path) > 1 && changed.Leaf {
		reinsertedLevels[level] = true
		kept, removed := idx.forcedReinsert(changed)
		if err := idx.saveNode(w, kept); err != nil {
			return err
		}
		if err := idx.updateAncestors(r, w, path, kept); err != nil {
			return err
		}
		for _, e := range removed {
			if err := idx.Insert(r, w, e.PK, e.MBR, e.EWKB); err != nil {
				return err
			}
		}
		return nil
	}

	left, right, err := idx.split(r, w, changed)
	if err != nil {
		return err
	}
	if len(path) == 1 {
		rootID, err := idx.allocID(r, w)
		if err != nil {
			return err
		}
		newRoot := &node{
			ID:    rootID,
			Leaf:  false,
			Level: left.Level + 1,
			Entries: []entry{
				{MBR: left.mbr(), Child: left.ID},
				{MBR: right.mbr(), Child: right.ID},
			},
		}
		if err := idx.saveNode(w, newRoot); err != nil {
			return err
		}
		idx.saveRoot(w, rootID)
		return nil
	}

	parentID := path[len(path)-2]
	parent, ok, err := idx.loadNode(r, parentID)
	if err != nil || !ok {
		return err
	}
	for i := range parent.Entries {
		if parent.Entries[i].Child == changed.ID {
			parent.Entries[i] = entry{MBR: left.mbr(), Child: left.ID}
			break
		}
	}
	parent.Entries = append(parent.Entries, entry{MBR: right.mbr(), Child: right.ID})
	return idx.adjustTree(r, w, path[:len(path)-1], parent, reinsertedLevels)
}

// forcedReinsert removes the ReinsertP% of entries farthest from the
// node's center, the forced-reinsert pass run on an overflowing leaf
// before a real split is attempted.
func (idx *Index) forcedReinsert(n *node) (*node, []entry) {
	cx, cy := n.mbr().center()
	type scored struct {
		e entry
		d float64
	}
	scoredEntries := make([]scored, len(n.Entries))
	for i, e := range n.Entries {
		ex, ey := e.MBR.center()
		dx, dy := ex-cx, ey-cy
		scoredEntries[i] = scored{e: e, d: dx*dx + dy*dy}
	}
	sort.Slice(scoredEntries, func(i, j int) bool { return scoredEntries[i].d < scoredEntries[j].d })

	removeCount := len(scoredEntries) * idx.ReinsertP / 100
	if removeCount < 1 {
		removeCount = 1
	}
	if removeCount >= len(scoredEntries) {
		removeCount = len(scoredEntries) - 1
	}
	keepCount := len(scoredEntries) - removeCount

	kept := make([]entry, keepCount)
	for i := 0; i < keepCount; i++ {
		kept[i] = scoredEntries[i].e
	}
	removed := make([]entry, removeCount)
	for i := 0; i < removeCount; i++ {
		removed[i] = scoredEntries[keepCount+i].e
	}
	n.Entries = kept
	return n, removed
}

// split performs a quadratic-cost-minimising split of an overflowing
// node into two nodes of the same level.
func (idx *Index) split(r Reader, w Writer, n *node) (*node, *node, error) {
	entries := n.Entries
	seed1, seed2 := pickSeeds(entries)

	leftID, err := idx.allocID(r, w)
	if err != nil {
		return nil, nil, err
	}
	rightID := n.ID // reuse the original node id for the right group

	left := &node{ID: leftID, Leaf: n.Leaf, Level: n.Level, Entries: []entry{entries[seed1]}}
	right := &node{ID: rightID, Leaf: n.Leaf, Level: n.Level, Entries: []entry{entries[seed2]}}

	assigned := map[int]bool{seed1: true, seed2: true}
	remaining := make([]int, 0, len(entries))
	for i := range entries {
		if !assigned[i] {
			remaining = append(remaining, i)
		}
	}

	for len(remaining) > 0 {
		if len(left.Entries)+len(remaining) <= idx.MinEntries {
			for _, i := range remaining {
				left.Entries = append(left.Entries, entries[i])
			}
			break
		}
		if len(right.Entries)+len(remaining) <= idx.MinEntries {
			for _, i := range remaining {
				right.Entries = append(right.Entries, entries[i])
			}
			break
		}

		bestIdx, bestPos, bestDiff := 0, 0, math.Inf(-1)
		leftMBR, rightMBR := left.mbr(), right.mbr()
		for ri, i := range remaining {
			dl := leftMBR.enlargement(entries[i].MBR)
			dr := rightMBR.enlargement(entries[i].MBR)
			diff := math.Abs(dl - dr)
			if diff > bestDiff {
				bestIdx, bestPos, bestDiff = i, ri, diff
			}
		}
		dl := leftMBR.enlargement(entries[bestIdx].MBR)
		dr := rightMBR.enlargement(entries[bestIdx].MBR)
		if dl < dr || (dl == dr && leftMBR.Area() < rightMBR.Area()) {
			left.Entries = append(left.Entries, entries[bestIdx])
		} else {
			right.Entries = append(right.Entries, entries[bestIdx])
		}
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	if err := idx.saveNode(w, left); err != nil {
		return nil, nil, err
	}
	if err := idx.saveNode(w, right); err != nil {
		return nil, nil, err
	}
	if n.Leaf {
		for _, e := range left.Entries {
			w.Put(idx.pkLocKey(e.PK), []byte(left.ID))
		}
		for _, e := range right.Entries {
			w.Put(idx.pkLocKey(e.PK), []byte(right.ID))
		}
	}
	return left, right, nil
}

// pickSeeds chooses the pair of entries whose combined MBR wastes the
// most area, the classic quadratic-split seed rule.
func pickSeeds(entries []entry) (int, int) {
	best1, best2 := 0, 1
	worst := math.Inf(-1)
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			waste := entries[i].MBR.Union(entries[j].MBR).Area() - entries[i].MBR.Area() - entries[j].MBR.Area()
			if waste > worst {
				worst, best1, best2 = waste, i, j
			}
		}
	}
	return best1, best2
}

// updateAncestors recomputes each ancestor's entry MBR to cover
// changed's new extent, walking from the leaf's parent to the root.
func (idx *Index) updateAncestors(r Reader, w Writer, path []string, changed *node) error {
	box := changed.mbr()
	childID := changed.ID
	for i := len(path) - 2; i >= 0; i-- {
		parent, ok, err := idx.loadNode(r, path[i])
		if err != nil || !ok {
			return err
		}
		for j := range parent.Entries {
			if parent.Entries[j].Child == childID {
				parent.Entries[j].MBR = box
			}
		}
		if err := idx.saveNode(w, parent); err != nil {
			return err
		}
		box = parent.mbr()
		childID = parent.ID
	}
	return nil
}

// Delete removes pk from the tree. Ancestor MBRs are left as
// over-approximations rather than shrunk, a deliberate simplification
// matched by the forced-reinsert-driven rebalancing other inserts
// trigger over time.
func (idx *Index) Delete(r Reader, w Writer, pk string) error {
	raw, err := r.Get(idx.pkLocKey(pk))
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	leafID := string(raw)
	leaf, ok, err := idx.loadNode(r, leafID)
	if err != nil || !ok {
		return err
	}
	out := leaf.Entries[:0:0]
	for _, e := range leaf.Entries {
		if e.PK != pk {
			out = append(out, e)
		}
	}
	leaf.Entries = out
	if err := idx.saveNode(w, leaf); err != nil {
		return err
	}
	w.Delete(idx.pkLocKey(pk))
	return nil
}

// SearchIntersects returns every pk whose stored MBR intersects query.
func (idx *Index) SearchIntersects(r Reader, query MBR) ([]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SpatialSearchDuration, idx.Table, idx.Field)

	rootID, hasRoot, err := idx.loadRoot(r)
	if err != nil || !hasRoot {
		return nil, err
	}
	var out []string
	err = idx.walk(r, rootID, func(e entry) bool { return e.MBR.Intersects(query) }, func(e entry) {
		out = append(out, e.PK)
	})
	return out, err
}

// SearchWithin is the two-pass predicate: an MBR candidate pass
// followed by an exact EWKB check via the predicate callback.
func (idx *Index) SearchWithin(r Reader, query MBR, exact func(ewkb []byte) bool) ([]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SpatialSearchDuration, idx.Table, idx.Field)

	rootID, hasRoot, err := idx.loadRoot(r)
	if err != nil || !hasRoot {
		return nil, err
	}
	var out []string
	err = idx.walk(r, rootID, func(e entry) bool { return e.MBR.Intersects(query) }, func(e entry) {
		if exact == nil || exact(e.EWKB) {
			out = append(out, e.PK)
		}
	})
	return out, err
}

func (idx *Index) walk(r Reader, nodeID string, prune func(entry) bool, visit func(entry)) error {
	n, ok, err := idx.loadNode(r, nodeID)
	if err != nil || !ok {
		return err
	}
	for _, e := range n.Entries {
		if !prune(e) {
			continue
		}
		if n.Leaf {
			visit(e)
		} else {
			if err := idx.walk(r, e.Child, prune, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

// wgs84RadiusKM is the mean Earth radius used for great-circle
// distance.
const wgs84RadiusKM = 6371.0088

// GreatCircleKM returns the great-circle distance in kilometres
// between two (lon, lat) points on the WGS84 sphere via the
// haversine formula.
func GreatCircleKM(lon1, lat1, lon2, lat2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return wgs84RadiusKM * c
}

// NearestHit is one nearest_k result.
type NearestHit struct {
	PK       string
	Distance float64
}

// NearestK returns the k entries whose stored point is closest to
// (lon, lat) by great-circle distance, ascending.
func (idx *Index) NearestK(r Reader, lon, lat float64, k int) ([]NearestHit, error) {
	rootID, hasRoot, err := idx.loadRoot(r)
	if err != nil || !hasRoot {
		return nil, err
	}
	var all []NearestHit
	err = idx.walk(r, rootID, func(entry) bool { return true }, func(e entry) {
		cx, cy := e.MBR.center()
		all = append(all, NearestHit{PK: e.PK, Distance: GreatCircleKM(lon, lat, cx, cy)})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	return all, nil
}

// AreaRatio is the query MBR's area divided by the declared total
// bounds area, the figure the query planner's cost model consumes.
func AreaRatio(query, totalBounds MBR) float64 {
	total := totalBounds.Area()
	if total == 0 {
		return 0
	}
	return query.Area() / total
}
