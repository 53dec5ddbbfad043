package blob

import (
	"bytes"
	"errors"
	"fmt"

	"weft/backend/core"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multicodec"
)

// Encoded is a type-safe wrapper around a decoded blob value
// and its raw encoded representation with the corresponding CID.
type Encoded[T any] struct {
	CID     cid.Cid
	Data    []byte
	Decoded T
}

func encodeBlob[T any](v T) (eb Encoded[T], err error) {
	data, err := cbornode.DumpObject(v)
	if err != nil {
		return eb, fmt.Errorf("failed to encode blob %T: %w", v, err)
	}

	return Encoded[T]{
		CID:     NewCID(data),
		Data:    data,
		Decoded: v,
	}, nil
}

// signed is implemented by blobs that embed [BaseBlob].
// Signing mutates the blob, so it only works on pointers.
type signed interface {
	base() *BaseBlob
}

func (b *BaseBlob) base() *BaseBlob { return b }

// signBlob signs the blob with the signature field zeroed out,
// and stores the produced signature back into the blob.
func signBlob(kp *core.KeyPair, v signed) error {
	bb := v.base()
	if bb.Sig != nil {
		panic("BUG: signing an already signed blob")
	}

	unsigned, err := cbornode.DumpObject(v)
	if err != nil {
		return fmt.Errorf("failed to encode blob for signing: %w", err)
	}

	sig, err := kp.Sign(unsigned)
	if err != nil {
		return err
	}

	bb.Sig = sig
	return nil
}

// verifyBlob checks the signature of a decoded blob.
// The signature covers the encoding with the signature field zeroed out.
func verifyBlob(v signed) error {
	bb := v.base()

	sig := bb.Sig
	bb.Sig = nil
	unsigned, err := cbornode.DumpObject(v)
	bb.Sig = sig
	if err != nil {
		return fmt.Errorf("failed to encode blob for verifying: %w", err)
	}

	return bb.Signer.Verify(unsigned, sig)
}

var errSkipDecoding = errors.New("skip decoding")

// decodeFunc attempts to decode raw blob bytes into a concrete blob type.
// It must return errSkipDecoding if the bytes don't look like its type.
type decodeFunc func(c cid.Cid, data []byte) (any, error)

// Global registry of blob decoders, keyed to detect double registration.
var (
	decodersMap  = map[Type]int{}
	decodersList []decodeFunc
)

func registerDecoder(bt Type, fn decodeFunc) {
	if _, ok := decodersMap[bt]; ok {
		panic(fmt.Sprintf("registerDecoder: already registered: %s", bt))
	}

	decodersList = append(decodersList, fn)
	decodersMap[bt] = len(decodersList) - 1
}

// DecodeBlob sniffs the type of the raw blob bytes and decodes them
// into the corresponding concrete blob type, verifying the signature.
func DecodeBlob(c cid.Cid, data []byte) (any, error) {
	for _, fn := range decodersList {
		v, err := fn(c, data)
		if errors.Is(err, errSkipDecoding) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	return nil, fmt.Errorf("unknown blob type: %s", c)
}

// makeCBORTypeMatch returns a subslice of CBOR bytes that could be used to match
// our CBOR blob types with the `type` field. If we find this subslice
// we can attempt to decode the blob as CBOR data into the corresponding concrete type.
func makeCBORTypeMatch(blobType Type) []byte {
	var b bytes.Buffer
	if err := cbor.MarshalToBuffer("type", &b); err != nil {
		panic(err)
	}

	if err := cbor.MarshalToBuffer(blobType, &b); err != nil {
		panic(err)
	}

	return b.Bytes()
}

// isDagCbor checks whether the CID says the data is DAG-CBOR encoded.
func isDagCbor(c cid.Cid) bool {
	codec, _ := DecodeCID(c)
	return codec == multicodec.DagCbor
}
