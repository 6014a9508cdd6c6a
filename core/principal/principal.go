// Package principal normalises the caller identities used on each ledger so
// that authorization decisions compare canonical forms.
package principal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEmpty          = errors.New("principal: empty identity")
	ErrInvalidAddress = errors.New("principal: invalid address")
	ErrPrefixMismatch = errors.New("principal: unexpected bech32 prefix")
)

// Scheme describes the address format of a ledger.
type Scheme interface {
	Name() string
	Normalize(raw string) (string, error)
}

// EVM validates 0x-prefixed 20-byte hex addresses and returns the EIP-55
// checksummed form.
type EVM struct{}

func (EVM) Name() string { return "evm" }

// Normalize implements Scheme.
func (EVM) Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmpty
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, trimmed)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}

// Bech32 validates bech32 addresses carrying a fixed human readable prefix,
// e.g. nhb1... accounts on the native ledger.
type Bech32 struct {
	Prefix string
}

func (b Bech32) Name() string { return "bech32:" + b.Prefix }

// Normalize implements Scheme.
func (b Bech32) Normalize(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", ErrEmpty
	}
	hrp, data, err := bech32.Decode(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if b.Prefix != "" && hrp != b.Prefix {
		return "", fmt.Errorf("%w: got %s want %s", ErrPrefixMismatch, hrp, b.Prefix)
	}
	conv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(conv) != 20 {
		return "", fmt.Errorf("%w: payload must be 20 bytes", ErrInvalidAddress)
	}
	return trimmed, nil
}

// EncodeBech32 renders a 20 byte account under prefix.
func EncodeBech32(prefix string, addr []byte) (string, error) {
	if len(addr) != 20 {
		return "", fmt.Errorf("%w: payload must be 20 bytes", ErrInvalidAddress)
	}
	conv, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// Opaque accepts any non-empty identity, trimmed. It is used for ledgers whose
// principals are validated elsewhere.
type Opaque struct{}

func (Opaque) Name() string { return "opaque" }

// Normalize implements Scheme.
func (Opaque) Normalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrEmpty
	}
	return trimmed, nil
}

// Canonical returns the scheme-independent comparison form of raw: EIP-55
// checksummed for hex addresses, lowercase for valid bech32 strings, and
// trimmed otherwise. Registries keyed across chains store this form.
func Canonical(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if common.IsHexAddress(trimmed) {
			return common.HexToAddress(trimmed).Hex()
		}
		return trimmed
	}
	lower := strings.ToLower(trimmed)
	if _, _, err := bech32.Decode(lower); err == nil {
		return lower
	}
	return trimmed
}

// ParseScheme maps configuration values ("evm", "bech32:nhb", "opaque") onto a
// Scheme.
func ParseScheme(value string) (Scheme, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case v == "evm":
		return EVM{}, nil
	case v == "" || v == "opaque":
		return Opaque{}, nil
	case strings.HasPrefix(v, "bech32:"):
		prefix := strings.TrimPrefix(v, "bech32:")
		if prefix == "" {
			return nil, fmt.Errorf("principal: bech32 scheme requires a prefix")
		}
		return Bech32{Prefix: prefix}, nil
	default:
		return nil, fmt.Errorf("principal: unknown scheme %q", value)
	}
}
