package txbuild

import (
	"bytes"
	"fmt"
	"reflect"

	xdr3 "github.com/stellar/go-xdr/xdr3"

	"github.com/stellar/starlight-channels/errors"
)

// Version is the version of the transaction field sets encoded by this
// package.
const Version = 1

type envelope struct {
	Tag     uint32
	Version uint32
	Body    []byte
}

// Encode encodes a transaction in its canonical form: a tagged, versioned
// envelope around the XDR encoding of the transaction fields.
func Encode(tx Tx) ([]byte, error) {
	if tx == nil || reflect.ValueOf(tx).Kind() == reflect.Ptr && reflect.ValueOf(tx).IsNil() {
		return nil, errors.Kind(errors.ErrValidation, "encoding nil transaction")
	}
	body, err := marshal(reflect.Indirect(reflect.ValueOf(tx)).Interface())
	if err != nil {
		return nil, fmt.Errorf("encoding %v: %w", tx.Tag(), err)
	}
	b, err := marshal(envelope{Tag: uint32(tx.Tag()), Version: Version, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %v envelope: %w", tx.Tag(), err)
	}
	return b, nil
}

// Decode decodes a transaction encoded by Encode. The returned value is a
// pointer to one of the transaction types of this package. Decoding is
// strict, input that carries trailing bytes or that does not encode back to
// exactly the same bytes is rejected.
func Decode(b []byte) (Tx, error) {
	env := envelope{}
	if err := unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, fmt.Sprintf("decoding envelope: %v", err))
	}
	if env.Version != Version {
		return nil, errors.Kind(errors.ErrValidation, "decoding %v: unsupported version %d", Tag(env.Tag), env.Version)
	}
	tx := newTx(Tag(env.Tag))
	if tx == nil {
		return nil, errors.Kind(errors.ErrValidation, "decoding: unknown tag %d", env.Tag)
	}
	if err := unmarshal(env.Body, tx); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, fmt.Sprintf("decoding %v: %v", tx.Tag(), err))
	}
	reencoded, err := Encode(tx)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reencoded, b) {
		return nil, errors.Kind(errors.ErrValidation, "decoding %v: non-canonical encoding", tx.Tag())
	}
	return tx, nil
}

// DecodeSigned decodes a signed transaction. A transaction that is not a
// signed transaction is returned wrapped in a SignedTx with no signatures.
func DecodeSigned(b []byte) (*SignedTx, error) {
	tx, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if s, ok := tx.(*SignedTx); ok {
		return s, nil
	}
	return &SignedTx{EncodedTx: b}, nil
}

// DecodeInner decodes a signed transaction and the transaction it signs.
func DecodeInner(b []byte) (*SignedTx, Tx, error) {
	s, err := DecodeSigned(b)
	if err != nil {
		return nil, nil, err
	}
	inner, err := Decode(s.EncodedTx)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding signed payload: %w", err)
	}
	if _, ok := inner.(*SignedTx); ok {
		return nil, nil, errors.Kind(errors.ErrValidation, "decoding signed payload: nested signed transaction")
	}
	return s, inner, nil
}

func newTx(t Tag) Tx {
	switch t {
	case TagSignedTx:
		return &SignedTx{}
	case TagSpend:
		return &SpendTx{}
	case TagOracleResponse:
		return &OracleResponseTx{}
	case TagNameUpdate:
		return &NameUpdateTx{}
	case TagChannelCreate:
		return &ChannelCreateTx{}
	case TagChannelCloseMutual:
		return &ChannelCloseMutualTx{}
	case TagChannelCloseSolo:
		return &ChannelCloseSoloTx{}
	case TagChannelSlash:
		return &ChannelSlashTx{}
	case TagChannelSettle:
		return &ChannelSettleTx{}
	case TagChannelOffChain:
		return &ChannelOffChainTx{}
	}
	return nil
}

func marshal(v interface{}) ([]byte, error) {
	buf := bytes.Buffer{}
	e := xdr3.NewEncoder(&buf)
	_, err := e.Encode(v)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(b []byte, v interface{}) error {
	d := xdr3.NewDecoder(bytes.NewReader(b))
	n, err := d.Decode(v)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%d trailing bytes", len(b)-n)
	}
	return nil
}
