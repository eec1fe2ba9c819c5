package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Uint256 is an immutable unsigned 256-bit integer carried as a decimal string on the wire.
// The zero value is 0.
type Uint256 struct {
	v *big.Int
}

// NewUint256 wraps a copy of b after range checking it.
func NewUint256(b *big.Int) (Uint256, error) {
	if b == nil {
		return Uint256{}, nil
	}
	if b.Sign() < 0 {
		return Uint256{}, fmt.Errorf("uint256 cannot be negative")
	}
	if b.Cmp(maxUint256) > 0 {
		return Uint256{}, fmt.Errorf("value overflows uint256")
	}
	return Uint256{v: new(big.Int).Set(b)}, nil
}

// Uint256FromUint64 returns n as a Uint256.
func Uint256FromUint64(n uint64) Uint256 {
	return Uint256{v: new(big.Int).SetUint64(n)}
}

// ParseUint256 parses a base-10 string without sign or prefix.
func ParseUint256(s string) (Uint256, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Uint256{}, fmt.Errorf("uint256 value is empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Uint256{}, fmt.Errorf("invalid uint256 %q: only decimal digits allowed", s)
		}
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Uint256{}, fmt.Errorf("invalid uint256 %q", s)
	}
	return NewUint256(b)
}

// Big returns a copy of the value.
func (u Uint256) Big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(u.v)
}

func (u Uint256) IsZero() bool {
	return u.v == nil || u.v.Sign() == 0
}

// Cmp compares u and o and returns -1, 0 or +1.
func (u Uint256) Cmp(o Uint256) int {
	return u.Big().Cmp(o.Big())
}

func (u Uint256) String() string {
	return u.Big().String()
}

func (u Uint256) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON accepts a decimal string or a bare JSON integer.
func (u *Uint256) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("uint256 must be a decimal string: %w", err)
		}
		s = n.String()
	}

	parsed, err := ParseUint256(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
