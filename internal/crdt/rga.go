package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// ErrInvalidOp is returned when a delta contains an operation that can never be applied.
var ErrInvalidOp = errors.New("invalid crdt operation")

// OpID identifies an operation by the replica that produced it and the
// replica-local sequence number. The zero OpID is the document root.
type OpID struct {
	Node string `json:"n"`
	Seq  uint64 `json:"s"`
}

// IsRoot reports whether id is the document root.
func (id OpID) IsRoot() bool {
	return id.Node == "" && id.Seq == 0
}

// OpKind тип операции документа.
type OpKind uint8

const (
	OpInsert OpKind = 1 // вставка одного символа после Ref
	OpDelete OpKind = 2 // удаление символа Ref (tombstone)
)

// Op is one replicated operation. For inserts Ref is the left neighbour at the time
// of the edit, for deletes it is the removed insert.
type Op struct {
	ID      OpID   `json:"id"`
	Ref     OpID   `json:"ref"`
	Value   string `json:"v,omitempty"`
	Lamport int64  `json:"ts"`
	Kind    OpKind `json:"k"`
}

// newer orders siblings of one parent: larger Lamport first, node id breaks ties.
func newer(a, b Op) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	return a.ID.Node > b.ID.Node
}

// StateVector maps a replica id to the highest contiguous sequence number applied.
type StateVector map[string]uint64

// Covers reports whether the operation id is already contained in the vector.
func (sv StateVector) Covers(id OpID) bool {
	return id.Seq <= sv[id.Node]
}

// Clone returns a copy of the vector.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for node, seq := range sv {
		out[node] = seq
	}
	return out
}

// Merge raises every entry to the pointwise maximum of both vectors.
func (sv StateVector) Merge(other StateVector) {
	for node, seq := range other {
		if seq > sv[node] {
			sv[node] = seq
		}
	}
}

// Dominates reports whether sv contains everything other contains.
func (sv StateVector) Dominates(other StateVector) bool {
	for node, seq := range other {
		if sv[node] < seq {
			return false
		}
	}
	return true
}

// Document is a replicated text (RGA). The set of applied operations is the state:
// merging is a set union, so it is commutative, associative and idempotent, and the
// visible text is a deterministic function of that set.
type Document struct {
	clock    *LamportClock
	ops      map[OpID]Op
	children map[OpID][]OpID
	deleted  map[OpID]struct{}
	pending  map[OpID]Op // операции, у которых еще нет причинных предшественников
	vector   StateVector
	mu       sync.RWMutex
}

// NewDocument creates an empty document owned by replica nodeID.
func NewDocument(nodeID string) *Document {
	return &Document{
		clock:    NewLamportClockWithNodeID(nodeID),
		ops:      make(map[OpID]Op),
		children: make(map[OpID][]OpID),
		deleted:  make(map[OpID]struct{}),
		pending:  make(map[OpID]Op),
		vector:   make(StateVector),
	}
}

// NodeID returns the id of the local replica.
func (d *Document) NodeID() string {
	return d.clock.NodeID()
}

// Text returns the visible content.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	for _, id := range d.visibleLocked() {
		b.WriteString(d.ops[id].Value)
	}
	return b.String()
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.visibleLocked())
}

// StateVector returns a copy of the applied state vector.
func (d *Document) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.vector.Clone()
}

// Insert inserts text at rune position pos and returns the produced delta.
func (d *Document) Insert(pos int, text string) (Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.insertLocked(d.visibleLocked(), pos, []rune(text))
}

// Append inserts text at the end of the document.
func (d *Document) Append(text string) (Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleLocked()
	return d.insertLocked(visible, len(visible), []rune(text))
}

// Delete removes n runes starting at pos.
func (d *Document) Delete(pos, n int) (Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.deleteLocked(d.visibleLocked(), pos, n)
}

// SetText turns the current content into text with the smallest prefix/suffix
// preserving edit. changed is false when the content is already equal.
func (d *Document) SetText(text string) (delta Delta, changed bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	visible := d.visibleLocked()
	old := make([]rune, len(visible))
	for i, id := range visible {
		old[i], _ = utf8.DecodeRuneInString(d.ops[id].Value)
	}
	next := []rune(text)

	prefix := 0
	for prefix < len(old) && prefix < len(next) && old[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(next)-prefix &&
		old[len(old)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}

	removed, err := d.deleteLocked(visible, prefix, len(old)-prefix-suffix)
	if err != nil {
		return Delta{}, false, err
	}
	// после удаления позиции сдвинулись, пересчитываем видимую последовательность
	inserted, err := d.insertLocked(d.visibleLocked(), prefix, next[prefix:len(next)-suffix])
	if err != nil {
		return Delta{}, false, err
	}

	delta.Ops = append(removed.Ops, inserted.Ops...)
	return delta, len(delta.Ops) > 0, nil
}

// Apply merges a remote delta. Duplicate operations are ignored; operations whose
// causal predecessors are missing are buffered until they arrive.
func (d *Document) Apply(delta Delta) error {
	for _, op := range delta.Ops {
		if err := validateOp(op); err != nil {
			return err
		}
	}

	ops := slices.Clone(delta.Ops)
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Lamport != ops[j].Lamport {
			return ops[i].Lamport < ops[j].Lamport
		}
		if ops[i].ID.Node != ops[j].ID.Node {
			return ops[i].ID.Node < ops[j].ID.Node
		}
		return ops[i].ID.Seq < ops[j].ID.Seq
	})

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range ops {
		d.integrateLocked(op)
	}
	return nil
}

// ApplyEncoded decodes and applies a delta produced by Delta.Encode.
func (d *Document) ApplyEncoded(data []byte) error {
	delta, err := DecodeDelta(data)
	if err != nil {
		return err
	}
	return d.Apply(delta)
}

// DeltaSince returns every applied operation not covered by sv.
func (d *Document) DeltaSince(sv StateVector) Delta {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Op
	for id, op := range d.ops {
		if !sv.Covers(id) {
			out = append(out, op)
		}
	}
	sortOps(out)
	return Delta{Ops: out}
}

// EncodeState serializes the whole document, including buffered operations.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.RLock()
	ops := make([]Op, 0, len(d.ops)+len(d.pending))
	for _, op := range d.ops {
		ops = append(ops, op)
	}
	for _, op := range d.pending {
		ops = append(ops, op)
	}
	d.mu.RUnlock()

	sortOps(ops)
	return Delta{Ops: ops}.Encode()
}

// DecodeDocument restores a document for replica nodeID from EncodeState output.
// Empty state yields an empty document.
func DecodeDocument(nodeID string, state []byte) (*Document, error) {
	doc := NewDocument(nodeID)
	if len(state) == 0 {
		return doc, nil
	}
	if err := doc.ApplyEncoded(state); err != nil {
		return nil, fmt.Errorf("failed to decode document state: %w", err)
	}
	return doc, nil
}

// Merge applies an encoded remote delta to an encoded local state and returns the
// encoded result.
func Merge(nodeID string, localState, remoteDelta []byte) ([]byte, error) {
	doc, err := DecodeDocument(nodeID, localState)
	if err != nil {
		return nil, err
	}
	if len(remoteDelta) > 0 {
		if err := doc.ApplyEncoded(remoteDelta); err != nil {
			return nil, fmt.Errorf("failed to apply remote delta: %w", err)
		}
	}
	return doc.EncodeState()
}

func (d *Document) insertLocked(visible []OpID, pos int, text []rune) (Delta, error) {
	if pos < 0 || pos > len(visible) {
		return Delta{}, fmt.Errorf("insert position %d out of range [0, %d]", pos, len(visible))
	}

	parent := OpID{}
	if pos > 0 {
		parent = visible[pos-1]
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		op := Op{
			ID:      d.nextIDLocked(),
			Ref:     parent,
			Value:   string(r),
			Lamport: d.clock.Tick(),
			Kind:    OpInsert,
		}
		d.applyLocked(op)
		ops = append(ops, op)
		parent = op.ID
	}
	return Delta{Ops: ops}, nil
}

func (d *Document) deleteLocked(visible []OpID, pos, n int) (Delta, error) {
	if n == 0 {
		return Delta{}, nil
	}
	if pos < 0 || n < 0 || pos+n > len(visible) {
		return Delta{}, fmt.Errorf("delete range [%d, %d) out of range [0, %d)", pos, pos+n, len(visible))
	}

	ops := make([]Op, 0, n)
	for _, target := range visible[pos : pos+n] {
		op := Op{
			ID:      d.nextIDLocked(),
			Ref:     target,
			Lamport: d.clock.Tick(),
			Kind:    OpDelete,
		}
		d.applyLocked(op)
		ops = append(ops, op)
	}
	return Delta{Ops: ops}, nil
}

func (d *Document) nextIDLocked() OpID {
	node := d.clock.NodeID()
	return OpID{Node: node, Seq: d.vector[node] + 1}
}

func (d *Document) integrateLocked(op Op) {
	if d.vector.Covers(op.ID) {
		return
	}
	if !d.readyLocked(op) {
		d.pending[op.ID] = op
		return
	}
	d.applyLocked(op)
	if len(d.pending) > 0 {
		d.drainPendingLocked()
	}
}

func (d *Document) readyLocked(op Op) bool {
	if op.ID.Seq != d.vector[op.ID.Node]+1 {
		return false
	}
	if op.Ref.IsRoot() {
		return op.Kind == OpInsert
	}
	ref, ok := d.ops[op.Ref]
	return ok && ref.Kind == OpInsert
}

func (d *Document) drainPendingLocked() {
	for progress := true; progress; {
		progress = false
		for id, op := range d.pending {
			if d.vector.Covers(id) {
				delete(d.pending, id)
				continue
			}
			if !d.readyLocked(op) {
				continue
			}
			delete(d.pending, id)
			d.applyLocked(op)
			progress = true
		}
	}
}

func (d *Document) applyLocked(op Op) {
	d.ops[op.ID] = op
	d.vector[op.ID.Node] = op.ID.Seq
	d.clock.Witness(op.Lamport)

	switch op.Kind {
	case OpInsert:
		siblings := d.children[op.Ref]
		i := sort.Search(len(siblings), func(i int) bool {
			return newer(op, d.ops[siblings[i]])
		})
		d.children[op.Ref] = slices.Insert(siblings, i, op.ID)
	case OpDelete:
		d.deleted[op.Ref] = struct{}{}
	}
}

// visibleLocked walks the insert tree in pre-order. The walk is iterative: appended
// text forms a chain as deep as the document is long.
func (d *Document) visibleLocked() []OpID {
	out := make([]OpID, 0, len(d.ops))
	stack := make([]OpID, 0, 16)
	root := d.children[OpID{}]
	for i := len(root) - 1; i >= 0; i-- {
		stack = append(stack, root[i])
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, gone := d.deleted[id]; !gone {
			out = append(out, id)
		}
		kids := d.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

func validateOp(op Op) error {
	if op.ID.Node == "" || op.ID.Seq == 0 {
		return fmt.Errorf("%w: missing id", ErrInvalidOp)
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Value) != 1 {
			return fmt.Errorf("%w: insert %s/%d must carry exactly one rune", ErrInvalidOp, op.ID.Node, op.ID.Seq)
		}
	case OpDelete:
		if op.Ref.IsRoot() {
			return fmt.Errorf("%w: delete %s/%d targets the root", ErrInvalidOp, op.ID.Node, op.ID.Seq)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidOp, op.Kind)
	}
	return nil
}

func sortOps(ops []Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Lamport != ops[j].Lamport {
			return ops[i].Lamport < ops[j].Lamport
		}
		if ops[i].ID.Node != ops[j].ID.Node {
			return ops[i].ID.Node < ops[j].ID.Node
		}
		return ops[i].ID.Seq < ops[j].ID.Seq
	})
}
