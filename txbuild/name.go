package txbuild

import (
	"strings"

	"github.com/stellar/starlight-channels/errors"
)

// MaxPointers is the maximum number of pointers of a name.
const MaxPointers = 32

// NameSuffix is the suffix of every name.
const NameSuffix = ".chain"

// ValidateName returns an error if name is not a name of the network.
func ValidateName(name string) error {
	if !strings.HasSuffix(name, NameSuffix) || len(name) == len(NameSuffix) {
		return errors.Kind(errors.ErrValidation, "invalid name %q: must end with %s", name, NameSuffix)
	}
	return nil
}

// ValidatePointers returns an error if a name cannot hold the pointers.
func ValidatePointers(pointers []Pointer) error {
	if len(pointers) > MaxPointers {
		return errors.Kind(errors.ErrValidation, "%d pointers exceeds the maximum of %d", len(pointers), MaxPointers)
	}
	seen := map[string]bool{}
	for _, p := range pointers {
		if p.Key == "" {
			return errors.Kind(errors.ErrValidation, "pointer key must not be empty")
		}
		if seen[p.Key] {
			return errors.Kind(errors.ErrValidation, "duplicate pointer key %q", p.Key)
		}
		seen[p.Key] = true
		if err := ValidateAddress(p.ID); err != nil {
			return err
		}
	}
	return nil
}

// Validate returns an error if the name update is not valid.
func (tx *NameUpdateTx) Validate() error {
	if err := ValidateName(tx.NameID); err != nil {
		return err
	}
	return ValidatePointers(tx.Pointers)
}
