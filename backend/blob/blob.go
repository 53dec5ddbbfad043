// Package blob implements the permanent wire format of the convergence engine.
// Everything replicas exchange or persist is a content-addressed CBOR blob:
// a typed struct encoded as canonical DAG-CBOR, addressed by its CID,
// and signed by the replica that produced it.
package blob

import (
	"time"

	"weft/backend/core"
	"weft/backend/util/cclock"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"github.com/polydawn/refmt/obj/atlas"
)

// ClockPrecision is the default precision we use for our timestamps in permanent data.
// It corresponds to the precision in the cclock package.
// This must be the same as precision used in the encoder/decoder transformation below.
const ClockPrecision = cclock.DefaultPrecision

func init() {
	// Encode timestamps as Unix milliseconds. Should be enough precision.
	cbornode.RegisterCborType(atlas.BuildEntry(time.Time{}).
		Transform().
		TransformMarshal(atlas.MakeMarshalTransformFunc(func(t time.Time) (int64, error) {
			if !t.Equal(t.Round(ClockPrecision)) {
				panic("BUG: trying to encode a non-rounded time.Time")
			}

			return t.UnixMilli(), nil
		})).
		TransformUnmarshal(atlas.MakeUnmarshalTransformFunc(func(in int64) (time.Time, error) {
			return time.UnixMilli(in), nil
		})).
		Complete(),
	)
}

var unixZero = time.Unix(0, 0).UTC().Round(ClockPrecision)

// ZeroUnixTime returns a zero timestamp.
// We use it whenever we need determinism in data that has timestamps.
func ZeroUnixTime() time.Time {
	return unixZero
}

// Type is the value of the "type" field of our CBOR blobs,
// used to tell the different kinds of blobs apart on the wire.
type Type string

// BaseBlob is the common envelope of all our signed blobs.
type BaseBlob struct {
	Type   Type           `refmt:"type"`
	Signer core.Principal `refmt:"signer"`
	Ts     time.Time      `refmt:"ts"`
	Sig    core.Signature `refmt:"sig,omitempty"`
}

// NewCID derives the content ID for an encoded blob.
func NewCID(data []byte) cid.Cid {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		panic(err)
	}

	return cid.NewCidV1(uint64(multicodec.DagCbor), mh)
}

// DecodeCID reads the CID multicodec and the multihash part of it.
func DecodeCID(c cid.Cid) (multicodec.Code, multihash.Multihash) {
	if c.Version() == 0 {
		return multicodec.DagPb, multihash.Multihash(c.Bytes())
	}

	prefix := c.Prefix()
	return multicodec.Code(prefix.Codec), c.Hash()
}
