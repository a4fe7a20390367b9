package state

import (
	"bytes"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/stellar/starlight-channels/errors"
	"github.com/stellar/starlight-channels/txbuild"
)

// verifySignatures verifies that the signed transaction signs encodedTx and
// carries a signature of each signer.
func (c *Channel) verifySignatures(signedTx, encodedTx []byte, signers ...string) error {
	s, err := txbuild.DecodeSigned(signedTx)
	if err != nil {
		return fmt.Errorf("decoding signed tx: %w", err)
	}
	if !bytes.Equal(s.EncodedTx, encodedTx) {
		return errors.Kind(errors.ErrValidation, "signed tx does not sign the expected tx")
	}
	g := errgroup.Group{}
	for _, signer := range signers {
		signer := signer
		g.Go(func() error {
			ok, err := s.SignedBy(c.networkID, signer)
			if err != nil {
				return err
			}
			if !ok {
				return errors.Kind(errors.ErrValidation, "missing signature of %s", signer)
			}
			return nil
		})
	}
	return g.Wait()
}

// coSigned reports whether signedTx signs encodedTx and carries the
// signatures of both participants.
func (c *Channel) coSigned(signedTx, encodedTx []byte) bool {
	return c.verifySignatures(signedTx, encodedTx, c.params.InitiatorID, c.params.ResponderID) == nil
}

// CoSigned reports whether signedTx carries the signatures of both
// participants of the channel.
func (c *Channel) CoSigned(signedTx []byte) bool {
	s, err := txbuild.DecodeSigned(signedTx)
	if err != nil {
		return false
	}
	return c.coSigned(signedTx, s.EncodedTx)
}
