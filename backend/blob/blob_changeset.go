package blob

import (
	"bytes"
	"cmp"
	"fmt"
	"time"

	"weft/backend/core"

	"github.com/invopop/validation"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
)

func init() {
	cbornode.RegisterCborType(Changeset{})
	cbornode.RegisterCborType(Op{})
	cbornode.RegisterCborType(Anchor{})
	cbornode.RegisterCborType(Run{})
	cbornode.RegisterCborType(SpliceRef{})
}

// TypeChangeset is the type of the changeset blob.
const TypeChangeset Type = "Changeset"

// OpID identifies a single operation across all replicas.
// The pair (Seq, Actor) is globally unique: Seq is a per-actor counter
// that only ever grows, and Actor is derived from the signing key.
// Comparing Seq first and Actor second gives the deterministic tie-break
// whenever causal order alone doesn't decide.
type OpID struct {
	Seq   uint64
	Actor core.ActorID
}

// IsZero checks if the ID is a zero value.
// The zero OpID is the sentinel for document boundaries in anchors.
func (o OpID) IsZero() bool {
	return o == OpID{}
}

// Compare two op IDs: Seq first, Actor second.
func (o OpID) Compare(oo OpID) int {
	if o.Seq < oo.Seq {
		return -1
	}

	if o.Seq > oo.Seq {
		return +1
	}

	return cmp.Compare(o.Actor, oo.Actor)
}

// String implements fmt.Stringer.
func (o OpID) String() string {
	return fmt.Sprintf("%d@%d", o.Seq, o.Actor)
}

const (
	maxSeq   = 1<<48 - 1
	maxActor = 1<<56 - 1
)

// Encode packs the ID into its byte-sortable form.
func (o OpID) Encode() EncodedOpID {
	if o.Seq >= maxSeq {
		panic("BUG: operation seq is too large")
	}

	if o.Actor > maxActor {
		panic("BUG: operation actor is too large")
	}

	var e EncodedOpID

	e[0] = byte(o.Seq >> 40)
	e[1] = byte(o.Seq >> 32)
	e[2] = byte(o.Seq >> 24)
	e[3] = byte(o.Seq >> 16)
	e[4] = byte(o.Seq >> 8)
	e[5] = byte(o.Seq)

	e[6] = byte(o.Actor >> 48)
	e[7] = byte(o.Actor >> 40)
	e[8] = byte(o.Actor >> 32)
	e[9] = byte(o.Actor >> 24)
	e[10] = byte(o.Actor >> 16)
	e[11] = byte(o.Actor >> 8)
	e[12] = byte(o.Actor)

	return e
}

// EncodedOpID is a compactly encoded OpID:
// - 6 bytes (48 bits): per-actor sequence number.
// - 7 bytes (56 bits): actor ID derived from the actor's public key.
// Both parts are big-endian, so the lexicographic order of the encoded IDs
// is the same as the (Seq, Actor) order of the decoded ones.
type EncodedOpID [13]byte

// Decode unpacks the ID.
func (e EncodedOpID) Decode() OpID {
	var o OpID

	o.Seq = uint64(e[0])<<40 | uint64(e[1])<<32 | uint64(e[2])<<24 |
		uint64(e[3])<<16 | uint64(e[4])<<8 | uint64(e[5])

	o.Actor = core.ActorID(uint64(e[6])<<48 | uint64(e[7])<<40 | uint64(e[8])<<32 |
		uint64(e[9])<<24 | uint64(e[10])<<16 | uint64(e[11])<<8 | uint64(e[12]))

	return o
}

// DecodeOpID decodes an OpID from its wire bytes.
// Empty bytes decode into the zero (sentinel) ID.
func DecodeOpID(raw []byte) (o OpID, err error) {
	if len(raw) == 0 {
		return o, nil
	}

	if len(raw) != len(EncodedOpID{}) {
		return o, fmt.Errorf("invalid encoded op ID length: %d", len(raw))
	}

	return EncodedOpID(raw).Decode(), nil
}

// opIDBytes returns the wire form of an op ID: nil for the sentinel,
// so the field can be omitted from the encoding entirely.
func opIDBytes(o OpID) []byte {
	if o.IsZero() {
		return nil
	}

	e := o.Encode()
	return e[:]
}

// Anchor is a position reference into content produced by another operation:
// the Offset-th fragment produced by operation Node.
// A nil/zero anchor is the document boundary sentinel:
// start of the document when anchoring an insert or a range start,
// end of the document when used as a range end.
type Anchor struct {
	Node   []byte `refmt:"node,omitempty"`
	Offset int32  `refmt:"offset,omitempty"`
}

// NewAnchor creates an anchor referencing the off-th fragment produced by op.
func NewAnchor(op OpID, off int32) Anchor {
	return Anchor{Node: opIDBytes(op), Offset: off}
}

// OpID decodes the referenced operation ID.
func (a Anchor) OpID() (OpID, error) {
	return DecodeOpID(a.Node)
}

// IsZero checks if the anchor is the document boundary sentinel.
func (a Anchor) IsZero() bool {
	return len(a.Node) == 0
}

// Run is a verbatim copy of a contiguous range of erased fragments,
// indexed by the identity of the insert operation that originally produced them.
// The copy makes tombstone content materializable on replicas
// that haven't seen the original insert yet.
type Run struct {
	Node   []byte `refmt:"node"`
	Offset int32  `refmt:"offset,omitempty"`
	Text   string `refmt:"text"`
}

// NewRun creates a run of erased fragments starting at the identity (op, off).
func NewRun(op OpID, off int32, text string) Run {
	return Run{Node: opIDBytes(op), Offset: off, Text: text}
}

// OpID decodes the origin operation of the first fragment in the run.
func (r Run) OpID() (OpID, error) {
	return DecodeOpID(r.Node)
}

// SpliceRef names a contiguous range of tombstoned fragment identities
// that a reinserting operation is claiming back:
// Count fragments starting at identity (Node, Offset), erased by operation Erase.
type SpliceRef struct {
	Erase  []byte `refmt:"erase"`
	Node   []byte `refmt:"node"`
	Offset int32  `refmt:"offset,omitempty"`
	Count  int32  `refmt:"count"`
}

// NewSpliceRef creates a splice reference.
func NewSpliceRef(erase, op OpID, off, count int32) SpliceRef {
	return SpliceRef{
		Erase:  opIDBytes(erase),
		Node:   opIDBytes(op),
		Offset: off,
		Count:  count,
	}
}

// EraseID decodes the erase operation whose tombstones are being claimed.
func (s SpliceRef) EraseID() (OpID, error) {
	return DecodeOpID(s.Erase)
}

// OpID decodes the origin operation of the first claimed fragment.
func (s SpliceRef) OpID() (OpID, error) {
	return DecodeOpID(s.Node)
}

// OpType is a type for operation types.
type OpType string

// Supported op types.
const (
	OpInsert OpType = "Insert" // Args = at, text, splices.
	OpErase  OpType = "Erase"  // Args = start, end, runs.
	OpFormat OpType = "Format" // Args = start, end, attrs, para.
	OpUndo   OpType = "Undo"   // Args = target, delta.
)

// Op is an atom of our op-based CRDT structure.
// The full operation ID is (Seq, changeset signer's actor).
// The payload fields are kind-specific; unused ones are omitted from the wire.
type Op struct {
	Seq     uint64            `refmt:"seq"`
	Type    OpType            `refmt:"type"`
	At      *Anchor           `refmt:"at,omitempty"`
	Text    string            `refmt:"text,omitempty"`
	Splices []SpliceRef       `refmt:"splices,omitempty"`
	Start   *Anchor           `refmt:"start,omitempty"`
	End     *Anchor           `refmt:"end,omitempty"`
	Runs    []Run             `refmt:"runs,omitempty"`
	Attrs   map[string]string `refmt:"attrs,omitempty"`
	Para    map[string]string `refmt:"para,omitempty"`
	Target  []byte            `refmt:"target,omitempty"`
	Delta   int32             `refmt:"delta,omitempty"`
}

// NewOpInsert creates an Insert op.
// Splices are empty for fresh content, or cover the whole text, in order,
// when the insert is a reinsertion of previously erased content.
func NewOpInsert(seq uint64, at Anchor, text string, splices []SpliceRef) Op {
	return Op{
		Seq:     seq,
		Type:    OpInsert,
		At:      &at,
		Text:    text,
		Splices: splices,
	}
}

// NewOpErase creates an Erase op.
func NewOpErase(seq uint64, start, end Anchor, runs []Run) Op {
	return Op{
		Seq:   seq,
		Type:  OpErase,
		Start: &start,
		End:   &end,
		Runs:  runs,
	}
}

// NewOpFormat creates a Format op.
func NewOpFormat(seq uint64, start, end Anchor, attrs, para map[string]string) Op {
	return Op{
		Seq:   seq,
		Type:  OpFormat,
		Start: &start,
		End:   &end,
		Attrs: attrs,
		Para:  para,
	}
}

// NewOpUndo creates an Undo op voting on the visibility of target.
func NewOpUndo(seq uint64, target OpID, delta int32) Op {
	return Op{
		Seq:    seq,
		Type:   OpUndo,
		Target: opIDBytes(target),
		Delta:  delta,
	}
}

// TargetID decodes the target of an Undo op.
func (op Op) TargetID() (OpID, error) {
	return DecodeOpID(op.Target)
}

// validate checks the kind-specific payload shape.
func (op Op) validate() error {
	switch op.Type {
	case OpInsert:
		if op.At == nil {
			return fmt.Errorf("insert op must have an anchor")
		}
		if op.Text == "" {
			return fmt.Errorf("insert op must have text")
		}
	case OpErase:
		if len(op.Runs) == 0 {
			return fmt.Errorf("erase op must carry copies of the erased content")
		}
	case OpFormat:
		if len(op.Attrs) == 0 && len(op.Para) == 0 {
			return fmt.Errorf("format op must change at least one attribute")
		}
	case OpUndo:
		if len(op.Target) == 0 {
			return fmt.Errorf("undo op must have a target")
		}
		if op.Delta != 1 && op.Delta != -1 {
			return fmt.Errorf("undo op delta must be +1 or -1, got %d", op.Delta)
		}
	default:
		return fmt.Errorf("unknown op type: %s", op.Type)
	}

	return nil
}

// Changeset is an atomic batch of operations authored by a single replica.
// The linked DAG of changesets represents the state of the document over time.
// Deps carry the encoded IDs of operations that the contained ops reference
// but that are not contained in this changeset: the external dependency frontier.
type Changeset struct {
	BaseBlob
	Genesis cid.Cid  `refmt:"genesis,omitempty"`
	Deps    [][]byte `refmt:"deps,omitempty"`
	Ops     []Op     `refmt:"ops,omitempty"`
}

// NewChangeset creates and signs a new changeset.
// The timestamp lives on the envelope only, so the contained operations
// are identical on every replica and content-addressing converges.
func NewChangeset(kp *core.KeyPair, genesis cid.Cid, deps []OpID, ops []Op, ts time.Time) (eb Encoded[*Changeset], err error) {
	var rawDeps [][]byte
	if len(deps) > 0 {
		rawDeps = make([][]byte, len(deps))
		for i, dep := range deps {
			rawDeps[i] = opIDBytes(dep)
		}
	}

	cs := &Changeset{
		BaseBlob: BaseBlob{
			Type:   TypeChangeset,
			Signer: kp.Principal(),
			Ts:     ts,
		},
		Genesis: genesis,
		Deps:    rawDeps,
		Ops:     ops,
	}

	if err := signBlob(kp, cs); err != nil {
		return eb, err
	}

	return encodeBlob(cs)
}

// DepIDs decodes the external dependency frontier.
func (c *Changeset) DepIDs() ([]OpID, error) {
	out := make([]OpID, len(c.Deps))
	for i, raw := range c.Deps {
		id, err := DecodeOpID(raw)
		if err != nil {
			return nil, err
		}
		if id.IsZero() {
			return nil, fmt.Errorf("changeset dep must not be the zero op ID")
		}
		out[i] = id
	}
	return out, nil
}

// Validate checks the structural shape of the changeset envelope.
// It doesn't verify the signature; the decoder does that separately.
func (c *Changeset) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.Required, validation.In(TypeChangeset)),
		validation.Field(&c.Signer, validation.Required),
		validation.Field(&c.Ts, validation.Required, validation.By(func(any) error {
			if !c.Ts.Equal(c.Ts.Round(ClockPrecision)) {
				return fmt.Errorf("timestamp must be rounded to %s", ClockPrecision)
			}
			return nil
		})),
		validation.Field(&c.Sig, validation.Required),
		validation.Field(&c.Ops, validation.Required, validation.By(func(any) error {
			var prev uint64
			for i, op := range c.Ops {
				if err := op.validate(); err != nil {
					return fmt.Errorf("op %d: %w", i, err)
				}
				if i > 0 && op.Seq <= prev {
					return fmt.Errorf("op %d: seq must grow within a changeset", i)
				}
				prev = op.Seq
			}
			return nil
		})),
		validation.Field(&c.Deps, validation.By(func(any) error {
			for i, dep := range c.Deps {
				if len(dep) != len(EncodedOpID{}) {
					return fmt.Errorf("dep %d: invalid encoded op ID length %d", i, len(dep))
				}
			}
			return nil
		})),
	)
}

func init() {
	matcher := makeCBORTypeMatch(TypeChangeset)
	registerDecoder(TypeChangeset, func(c cid.Cid, data []byte) (any, error) {
		if !isDagCbor(c) || !bytes.Contains(data, matcher) {
			return nil, errSkipDecoding
		}

		v := &Changeset{}
		if err := cbornode.DecodeInto(data, v); err != nil {
			return nil, err
		}

		if err := v.Validate(); err != nil {
			return nil, err
		}

		if err := verifyBlob(v); err != nil {
			return nil, err
		}

		return v, nil
	})
}
