// Package crdt implements PageDocument, the operational CRDT backing page
// content. Block attributes (type, attrs, position) merge last-writer-wins
// keyed by a (lamport, client) id; block text merges character-by-character
// as a replicated growable array (RGA) so concurrent edits to the same text
// region interleave instead of one clobbering the other. Text is split on
// grapheme-cluster boundaries via uniseg rather than raw bytes or runes, so
// multi-rune glyphs never get torn apart by a concurrent insert.
package crdt

import (
	"encoding/json"
	"sort"

	"github.com/rivo/uniseg"
)

// ID identifies a single causal event: one client's nth edit. Lamport
// timestamps are per-client monotonic counters, not wall-clock time.
type ID struct {
	Client  string `json:"c"`
	Lamport uint64 `json:"l"`
}

func (a ID) less(b ID) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	return a.Client < b.Client
}

func (a ID) zero() bool {
	return a.Client == "" && a.Lamport == 0
}

// charElem is one grapheme cluster in a block's text RGA. Origin is the ID
// of the element it was inserted immediately after (zero value means "at
// the start"). Deleted elements are retained as tombstones so that a later
// insert anchored on them still resolves to a stable position.
type charElem struct {
	ID      ID     `json:"id"`
	Origin  ID     `json:"origin"`
	Value   string `json:"v"`
	Deleted bool   `json:"del,omitempty"`
}

// Block is one content block inside a PageDocument: a paragraph, heading,
// list item, code block, and so on. Its Type, Position and Attrs resolve
// concurrent writes last-writer-wins by (lamport, client); its Text resolves
// by RGA merge.
type Block struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Position float64           `json:"position"`
	Deleted  bool              `json:"deleted,omitempty"`

	writer ID
	text   []charElem
}

// blockWire is the JSON-serializable shape of a Block, including its writer
// stamp and text elements, which are unexported on Block itself.
type blockWire struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Position float64           `json:"position"`
	Deleted  bool              `json:"deleted,omitempty"`
	Writer   ID                `json:"writer"`
	Text     []charElem        `json:"text,omitempty"`
}

// Document is a single page's CRDT state: an unordered set of blocks, each
// independently mergeable. Two documents that have observed the same set of
// edits, in any order, converge to byte-identical encoded state.
type Document struct {
	ClientID string
	clock    uint64
	blocks   map[string]*Block
}

// New creates an empty document for the given client. ClientID should be
// stable across a device's edits (e.g. a per-install UUID) so Lamport ids
// stay meaningful across sessions.
func New(clientID string) *Document {
	return &Document{ClientID: clientID, blocks: make(map[string]*Block)}
}

func (d *Document) tick() uint64 {
	d.clock++
	return d.clock
}

func (d *Document) observe(l uint64) {
	if l > d.clock {
		d.clock = l
	}
}

// EditorBlock is the plain, CRDT-agnostic shape an editor UI reads and
// writes. FromEditorData and ToEditorData translate between this and the
// internal CRDT representation.
type EditorBlock struct {
	ID       string
	Type     string
	Text     string
	Attrs    map[string]string
	Position float64
}

// FromEditorData builds a fresh document from editor blocks, stamping every
// block and character as authored by this document's client starting from
// its current clock. Used when a page has no prior CRDT state (first save).
func FromEditorData(clientID string, blocks []EditorBlock) *Document {
	d := New(clientID)
	for _, b := range blocks {
		d.PutBlock(b)
	}
	return d
}

// PutBlock creates or fully rewrites a block's content as a local edit,
// stamping a fresh writer id and rebuilding its text RGA from scratch. This
// is the right call when an editor doesn't track fine-grained text ops and
// instead hands back whole-block text on every save; the RGA still merges
// correctly against concurrent remote inserts because element ids are
// unique per write (lamport ties are broken by client id).
func (d *Document) PutBlock(b EditorBlock) {
	existing := d.blocks[b.ID]
	l := d.tick()
	writer := ID{Client: d.ClientID, Lamport: l}

	blk := &Block{
		ID:       b.ID,
		Type:     b.Type,
		Attrs:    b.Attrs,
		Position: b.Position,
		writer:   writer,
	}
	blk.text = d.buildText(writer, b.Text)

	if existing != nil && existing.writer.Lamport > writer.Lamport {
		// Shouldn't happen locally (clock only moves forward), but keep the
		// merge rule uniform: never regress to an older local write.
		return
	}
	d.blocks[b.ID] = blk
}

// DeleteBlock tombstones a block as a local edit.
func (d *Document) DeleteBlock(id string) {
	existing, ok := d.blocks[id]
	l := d.tick()
	writer := ID{Client: d.ClientID, Lamport: l}
	if ok {
		cp := *existing
		cp.Deleted = true
		cp.writer = writer
		d.blocks[id] = &cp
		return
	}
	d.blocks[id] = &Block{ID: id, Deleted: true, writer: writer}
}

// buildText splits s into grapheme clusters and chains them into a fresh RGA
// where each element's origin is the previous element, all stamped with the
// same writer id's client but increasing per-character lamport values so
// every element has a distinct id.
func (d *Document) buildText(writer ID, s string) []charElem {
	var elems []charElem
	var origin ID
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		l := d.tick()
		id := ID{Client: writer.Client, Lamport: l}
		elems = append(elems, charElem{ID: id, Origin: origin, Value: gr.Str()})
		origin = id
	}
	return elems
}

// ToEditorData reconstructs the plain editor view: visible blocks only,
// ordered by Position, with their text materialized from the RGA in causal
// order skipping tombstones.
func (d *Document) ToEditorData() []EditorBlock {
	out := make([]EditorBlock, 0, len(d.blocks))
	for _, b := range d.blocks {
		if b.Deleted {
			continue
		}
		out = append(out, EditorBlock{
			ID:       b.ID,
			Type:     b.Type,
			Text:     renderText(b.text),
			Attrs:    b.Attrs,
			Position: b.Position,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func renderText(elems []charElem) string {
	var sb []byte
	for _, e := range elems {
		if e.Deleted {
			continue
		}
		sb = append(sb, e.Value...)
	}
	return string(sb)
}

// StateVector reports, per client, the highest lamport timestamp this
// document has observed from that client across all blocks and text. It is
// the document's causal frontier: a replica holding StateVector V has seen
// every edit with lamport <= V[client] from that client.
func (d *Document) StateVector() map[string]uint64 {
	sv := make(map[string]uint64)
	bump := func(id ID) {
		if id.zero() {
			return
		}
		if id.Lamport > sv[id.Client] {
			sv[id.Client] = id.Lamport
		}
	}
	for _, b := range d.blocks {
		bump(b.writer)
		for _, e := range b.text {
			bump(e.ID)
			if !e.Origin.zero() {
				bump(e.Origin)
			}
		}
	}
	return sv
}

// EncodeState serializes the full document to a deterministic byte
// sequence: blocks sorted by id, text elements in RGA order. Two documents
// with identical logical state always encode to identical bytes, which is
// what makes "byte-identical after normalization" convergence checks
// possible. The replica's own ClientID and local clock are not part of the
// encoding. The wire protocol always exchanges full state rather than a
// minimal diff against a peer's state vector — pages are small enough that
// the simplicity is worth the bytes, and every syncmanager.Manager call site
// GETs the whole remote object anyway.
func (d *Document) EncodeState() ([]byte, error) {
	ids := make([]string, 0, len(d.blocks))
	for id := range d.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	wire := struct {
		Blocks []blockWire `json:"blocks"`
	}{}

	for _, id := range ids {
		b := d.blocks[id]
		text := make([]charElem, len(b.text))
		copy(text, b.text)
		wire.Blocks = append(wire.Blocks, blockWire{
			ID: b.ID, Type: b.Type, Attrs: b.Attrs, Position: b.Position,
			Deleted: b.Deleted, Writer: b.writer, Text: text,
		})
	}
	return json.Marshal(wire)
}

// DecodeState parses bytes produced by EncodeState into a standalone
// document, without merging it against any existing state. The clock is
// set to the highest lamport value among the decoded ids; ClientID is left
// empty for the caller to set before making local edits.
func DecodeState(data []byte) (*Document, error) {
	var wire struct {
		Blocks []blockWire `json:"blocks"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	d := New("")
	for _, bw := range wire.Blocks {
		d.observe(bw.Writer.Lamport)
		for _, e := range bw.Text {
			d.observe(e.ID.Lamport)
		}
		d.blocks[bw.ID] = &Block{
			ID: bw.ID, Type: bw.Type, Attrs: bw.Attrs, Position: bw.Position,
			Deleted: bw.Deleted, writer: bw.Writer, text: bw.Text,
		}
	}
	return d, nil
}

// ApplyUpdate merges the state encoded in data into this document in place.
// Merge is commutative, associative and idempotent: applying the same
// update twice, or two updates in either order, leaves the document in the
// same logical (and, after EncodeState, byte-identical) state.
func (d *Document) ApplyUpdate(data []byte) error {
	other, err := DecodeState(data)
	if err != nil {
		return err
	}
	d.merge(other)
	return nil
}

func (d *Document) merge(other *Document) {
	for id, ob := range other.blocks {
		d.observe(ob.writer.Lamport)
		for _, e := range ob.text {
			d.observe(e.ID.Lamport)
		}

		mine, ok := d.blocks[id]
		if !ok {
			cp := *ob
			cp.text = append([]charElem(nil), ob.text...)
			d.blocks[id] = &cp
			continue
		}
		mergeBlock(mine, ob)
	}
}

// mergeBlock merges remote block state into mine in place. Attributes take
// last-writer-wins by (lamport, client); text merges element-by-element via
// RGA insertion so neither side's concurrent edit is lost.
func mergeBlock(mine, other *Block) {
	if mine.writer.less(other.writer) {
		mine.Type = other.Type
		mine.Attrs = other.Attrs
		mine.Position = other.Position
		mine.writer = other.writer
	}
	// Tombstone is monotonic: once either replica has seen a delete, it stays
	// deleted. A concurrent edit to a deleted block's attrs is not resurrected.
	if other.Deleted {
		mine.Deleted = true
	}

	mine.text = mergeText(mine.text, other.text)
}

// mergeText unions two RGA sequences that share a common ancestor state
// (some prefix of elements already present on both sides) and may each have
// local-only insertions and deletions. Remote elements are inserted in
// increasing lamport order so that by the time an element is placed, its
// origin (which necessarily has a smaller lamport, since you can only
// insert after something that already exists) is already present.
func mergeText(mine, other []charElem) []charElem {
	present := make(map[ID]int, len(mine))
	for i, e := range mine {
		present[e.ID] = i
	}

	var fresh []charElem
	for _, e := range other {
		if idx, ok := present[e.ID]; ok {
			if e.Deleted {
				mine[idx].Deleted = true
			}
			continue
		}
		fresh = append(fresh, e)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID.less(fresh[j].ID) })

	for _, e := range fresh {
		mine = insertElem(mine, e)
		present[e.ID] = -1
	}
	return mine
}

// insertElem places e into seq immediately after its origin (start of
// sequence if e.Origin is zero), then skips forward over any immediate
// sibling already anchored at the same origin that has a greater id — the
// standard RGA tie-break, giving every replica the same total order for
// concurrent inserts at the same position regardless of arrival order.
func insertElem(seq []charElem, e charElem) []charElem {
	pos := 0
	if !e.Origin.zero() {
		idx := indexOfID(seq, e.Origin)
		if idx == -1 {
			// Origin not yet present: this update arrived with a gap (should not
			// happen given lamport-ascending merge order), append defensively
			// rather than drop the edit.
			return append(seq, e)
		}
		pos = idx + 1
	}
	for pos < len(seq) && seq[pos].Origin == e.Origin && e.ID.less(seq[pos].ID) {
		pos++
	}
	out := make([]charElem, 0, len(seq)+1)
	out = append(out, seq[:pos]...)
	out = append(out, e)
	out = append(out, seq[pos:]...)
	return out
}

func indexOfID(seq []charElem, id ID) int {
	for i, e := range seq {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Insert applies a local text insertion into block blockID at the given
// visible-character offset. It is a finer-grained alternative to PutBlock
// for editors that track individual keystrokes rather than whole-block
// replacement.
func (d *Document) Insert(blockID string, offset int, s string) {
	b, ok := d.blocks[blockID]
	if !ok {
		return
	}
	origin := originAt(b.text, offset)
	writer := ID{Client: d.ClientID}
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		l := d.tick()
		id := ID{Client: d.ClientID, Lamport: l}
		b.text = insertElem(b.text, charElem{ID: id, Origin: origin, Value: gr.Str()})
		origin = id
	}
	b.writer = ID{Client: writer.Client, Lamport: d.clock}
}

// Delete tombstones the visible characters of blockID in [offset, offset+n).
func (d *Document) Delete(blockID string, offset, n int) {
	b, ok := d.blocks[blockID]
	if !ok {
		return
	}
	visible := 0
	removed := 0
	for i := range b.text {
		if b.text[i].Deleted {
			continue
		}
		if visible >= offset && removed < n {
			b.text[i].Deleted = true
			removed++
		}
		visible++
	}
	d.tick()
}

func originAt(text []charElem, offset int) ID {
	var origin ID
	visible := 0
	for _, e := range text {
		if e.Deleted {
			continue
		}
		if visible == offset {
			return origin
		}
		origin = e.ID
		visible++
	}
	return origin
}
