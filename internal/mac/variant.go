// Package mac decodes the per-slot debug records that motes report for the
// FSA and DQ medium access protocols.
package mac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/postalsys/opendq/internal/protocol"
)

// ErrUnknownVariant is returned for unsupported MAC protocol names or tags.
var ErrUnknownVariant = errors.New("mac: unknown variant")

// Variant is a MAC protocol under test.
type Variant string

const (
	VariantFSA Variant = "FSA"
	VariantDQ  Variant = "DQ"
)

// Variants lists the supported variants.
func Variants() []Variant {
	return []Variant{VariantFSA, VariantDQ}
}

// ParseVariant parses a variant name, case-insensitively.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "FSA":
		return VariantFSA, nil
	case "DQ":
		return VariantDQ, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
}

// VariantFromTag maps a wire tag to its variant.
func VariantFromTag(tag byte) (Variant, error) {
	switch tag {
	case protocol.TagFSA:
		return VariantFSA, nil
	case protocol.TagDQ:
		return VariantDQ, nil
	default:
		return "", fmt.Errorf("%w: tag 0x%02X", ErrUnknownVariant, tag)
	}
}

// Valid reports whether v is supported.
func (v Variant) Valid() bool {
	return v == VariantFSA || v == VariantDQ
}

// Tag returns the wire tag of the variant, or protocol.TagNone.
func (v Variant) Tag() byte {
	switch v {
	case VariantFSA:
		return protocol.TagFSA
	case VariantDQ:
		return protocol.TagDQ
	default:
		return protocol.TagNone
	}
}

func (v Variant) String() string {
	return string(v)
}
