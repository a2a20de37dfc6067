package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AddressLength is the width of an account identity in bytes.
const AddressLength = 20

// ErrInvalidAddress is returned when an address string cannot be decoded.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies a depositor. It is a fixed-width value so it can be used
// directly as a map key.
type Address [AddressLength]byte

// ParseAddress decodes a hex address with an optional 0x prefix. Mixed-case
// input must carry a valid EIP-55 checksum.
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != 2*AddressLength {
		return Address{}, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidAddress, 2*AddressLength, len(raw))
	}

	var a Address
	if _, err := hex.Decode(a[:], []byte(raw)); err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	if raw != strings.ToLower(raw) && raw != strings.ToUpper(raw) {
		if a.checksumHex() != raw {
			return Address{}, fmt.Errorf("%w: bad checksum", ErrInvalidAddress)
		}
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the address with its EIP-55 checksum.
func (a Address) String() string {
	return "0x" + a.checksumHex()
}

// IsZero reports whether every byte of the address is zero.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) checksumHex() string {
	lower := hex.EncodeToString(a[:])

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := h.Sum(nil)

	out := []byte(lower)
	for i, c := range out {
		if c < 'a' || c > 'f' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		}
		if nibble&0x0f >= 8 {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}
