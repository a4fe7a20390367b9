package txbuild

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/stellar/go/keypair"
	"golang.org/x/crypto/blake2b"

	"github.com/stellar/starlight-channels/errors"
)

// SignFunc signs an encoded transaction, or adds a signature to an encoded
// signed transaction, and returns the encoded signed transaction.
type SignFunc func(tx []byte) ([]byte, error)

// SignatureHash returns the hash that is signed by each signer of a
// transaction. It binds the signature to a network.
func SignatureHash(networkID string, encodedTx []byte) [32]byte {
	b := make([]byte, 0, len(networkID)+len(encodedTx))
	b = append(b, networkID...)
	b = append(b, encodedTx...)
	return blake2b.Sum256(b)
}

// Sign signs tx, an encoded transaction or an encoded signed transaction,
// with the key and returns the encoded signed transaction carrying any
// signatures tx already had and the new signature.
func Sign(networkID string, kp *keypair.Full, tx []byte) ([]byte, error) {
	s, err := DecodeSigned(tx)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	h := SignatureHash(networkID, s.EncodedTx)
	sig, err := kp.Sign(h[:])
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	s.Signatures = appendUnique(s.Signatures, sig)
	return Encode(s)
}

// KeypairSigner returns a SignFunc that signs with the key.
func KeypairSigner(networkID string, kp *keypair.Full) SignFunc {
	return func(tx []byte) ([]byte, error) {
		return Sign(networkID, kp, tx)
	}
}

// AppendSignature signs signedTx with sign and returns the signatures of
// signedTx merged with the signatures returned by sign. The signer must
// return a signed transaction for the same inner transaction.
func AppendSignature(signedTx []byte, sign SignFunc) ([]byte, error) {
	s, err := DecodeSigned(signedTx)
	if err != nil {
		return nil, err
	}
	out, err := sign(s.EncodedTx)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}
	signed, err := DecodeSigned(out)
	if err != nil {
		return nil, fmt.Errorf("decoding signer output: %w", err)
	}
	if !bytes.Equal(signed.EncodedTx, s.EncodedTx) {
		return nil, errors.Kind(errors.ErrValidation, "signer returned a different transaction")
	}
	for _, sig := range signed.Signatures {
		s.Signatures = appendUnique(s.Signatures, sig)
	}
	return Encode(s)
}

// SignedBy reports whether signedTx carries a valid signature of the
// address on the network.
func SignedBy(networkID string, signedTx []byte, address string) (bool, error) {
	s, err := DecodeSigned(signedTx)
	if err != nil {
		return false, err
	}
	return s.SignedBy(networkID, address)
}

// SignedBy reports whether the transaction carries a valid signature of the
// address on the network.
func (s *SignedTx) SignedBy(networkID, address string) (bool, error) {
	kp, err := keypair.ParseAddress(address)
	if err != nil {
		return false, errors.Wrap(errors.ErrValidation, fmt.Sprintf("parsing address %s: %v", address, err))
	}
	h := SignatureHash(networkID, s.EncodedTx)
	for _, sig := range s.Signatures {
		if kp.Verify(h[:], sig) == nil {
			return true, nil
		}
	}
	return false, nil
}

// Hash returns the hash of an encoded transaction as it is identified on
// the network.
func Hash(tx []byte) string {
	h := blake2b.Sum256(tx)
	return "th_" + hex.EncodeToString(h[:])
}

func appendUnique(sigs [][]byte, sig []byte) [][]byte {
	for _, s := range sigs {
		if bytes.Equal(s, sig) {
			return sigs
		}
	}
	return append(sigs, sig)
}
