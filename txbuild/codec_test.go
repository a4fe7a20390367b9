package txbuild

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellar/starlight-channels/errors"
)

func TestEncodeDecode_roundTrip(t *testing.T) {
	f := fuzz.New()
	for tag := range tagNames {
		for i := 0; i < 50; i++ {
			tx := newTx(tag)
			f.Fuzz(tx)
			b, err := Encode(tx)
			require.NoError(t, err)

			decoded, err := Decode(b)
			require.NoError(t, err, "tag %v", tag)
			assert.Equal(t, tag, decoded.Tag())

			again, err := Encode(decoded)
			require.NoError(t, err)
			assert.Equal(t, b, again, "tag %v", tag)
		}
	}
}

func TestEncode_valueAndPointerEqual(t *testing.T) {
	tx := ChannelOffChainTx{ChannelID: "ch_1", Round: 4, StateHash: []byte{1, 2, 3}}
	b1, err := Encode(tx)
	require.NoError(t, err)
	b2, err := Encode(&tx)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestEncode_nil(t *testing.T) {
	var tx *SpendTx
	_, err := Encode(tx)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestDecode_trailingBytes(t *testing.T) {
	b, err := Encode(&SpendTx{SenderID: "a", RecipientID: "b", Amount: 10})
	require.NoError(t, err)

	_, err = Decode(append(b, 0, 0, 0, 0))
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Contains(t, err.Error(), "trailing bytes")
}

func TestDecode_truncated(t *testing.T) {
	b, err := Encode(&SpendTx{SenderID: "a", RecipientID: "b", Amount: 10})
	require.NoError(t, err)

	_, err = Decode(b[:len(b)-4])
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestDecode_unknownTag(t *testing.T) {
	b, err := marshal(envelope{Tag: 9999, Version: Version})
	require.NoError(t, err)

	_, err = Decode(b)
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Contains(t, err.Error(), "unknown tag 9999")
}

func TestDecode_unsupportedVersion(t *testing.T) {
	body, err := marshal(ChannelOffChainTx{ChannelID: "ch_1"})
	require.NoError(t, err)
	b, err := marshal(envelope{Tag: uint32(TagChannelOffChain), Version: 2, Body: body})
	require.NoError(t, err)

	_, err = Decode(b)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestDecodeInner(t *testing.T) {
	inner, err := Encode(&ChannelOffChainTx{ChannelID: "ch_1", Round: 2})
	require.NoError(t, err)
	signed, err := Encode(&SignedTx{Signatures: [][]byte{{1}}, EncodedTx: inner})
	require.NoError(t, err)

	s, tx, err := DecodeInner(signed)
	require.NoError(t, err)
	assert.Len(t, s.Signatures, 1)
	offChain, ok := tx.(*ChannelOffChainTx)
	require.True(t, ok)
	assert.Equal(t, uint64(2), offChain.Round)

	// A transaction that is not signed decodes with no signatures.
	s, tx, err = DecodeInner(inner)
	require.NoError(t, err)
	assert.Empty(t, s.Signatures)
	assert.Equal(t, TagChannelOffChain, tx.Tag())
}

func TestTag_String(t *testing.T) {
	assert.Equal(t, "channel_slash_tx", TagChannelSlash.String())
	assert.Equal(t, "tag(1)", Tag(1).String())
}
