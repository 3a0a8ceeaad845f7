// Package codec converts off-chain identifiers, text and amounts into the
// fixed-width scalar encodings accepted by the ledger. Every conversion is
// deterministic; the commitment hashes in particular must reproduce byte for
// byte so evidence can be verified against the chain later.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/DouglasBagambe/warlnest-starknet/fault"
)

// Felt is a ledger field element rendered as a 0x-prefixed lowercase hex
// string. The ledger's field is narrower than 256 bits, so encoders keep
// values to at most 31 bytes.
type Felt string

// maxShortIDBytes is the longest string the ledger can pack into one scalar.
const maxShortIDBytes = 31

// commitmentBytes is the width of a content commitment: a SHA-256 digest with
// the top byte dropped so the value stays below the field modulus.
const commitmentBytes = 31

var (
	maxWord  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	halfWord = new(big.Int).Lsh(big.NewInt(1), 128)
)

// ParseFelt validates a 0x-prefixed hex scalar and canonicalizes its casing.
// Odd-length and zero-padded digits are accepted because both appear in raw
// ledger responses.
func ParseFelt(s string) (Felt, error) {
	trimmed := strings.TrimSpace(s)
	raw, err := feltBytes(trimmed)
	if err != nil {
		return "", err
	}
	if len(raw) > 32 {
		return "", fault.Encodingf("felt %q exceeds 32 bytes", s)
	}
	return Felt(strings.ToLower(trimmed)), nil
}

// Big returns the felt's integer value.
func (f Felt) Big() (*big.Int, error) {
	raw, err := feltBytes(string(f))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func feltBytes(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fault.Encodingf("felt %q missing 0x prefix", s)
	}
	digits := s[2:]
	if digits == "" {
		return nil, fault.Encodingf("empty felt")
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	raw, err := hex.DecodeString(digits)
	if err != nil {
		return nil, fault.Encodingf("invalid felt %q: %v", s, err)
	}
	return raw, nil
}

// FeltFromBig renders a non-negative integer as a felt.
func FeltFromBig(v *big.Int) (Felt, error) {
	if v == nil || v.Sign() < 0 {
		return "", fault.Encodingf("felt value must be non-negative")
	}
	if v.Cmp(maxWord) > 0 {
		return "", fault.Overflowf("value %s exceeds the ledger word", v)
	}
	return Felt(hexutil.EncodeBig(v)), nil
}

// EncodeShortID packs a short identifier into a single scalar the way the
// ledger's short-string encoding does: raw bytes interpreted big-endian.
// Input beyond 31 bytes is truncated, matching the on-chain convention; only
// an empty identifier is an error.
func EncodeShortID(text string) (Felt, error) {
	if strings.TrimSpace(text) == "" {
		return "", fault.Encodingf("short id must not be empty")
	}
	b := []byte(text)
	if len(b) > maxShortIDBytes {
		b = b[:maxShortIDBytes]
	}
	return Felt(hexutil.Encode(b)), nil
}

// DecodeShortID is the inverse of EncodeShortID for values it produced.
func DecodeShortID(f Felt) (string, error) {
	raw, err := feltBytes(string(f))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// HashCommitment anchors free text on-chain without revealing it: SHA-256
// truncated to the felt width. Same input always yields the same felt.
func HashCommitment(text string) Felt {
	sum := sha256.Sum256([]byte(text))
	return Felt(hexutil.Encode(sum[:commitmentBytes]))
}

// ToFixedPoint losslessly scales a decimal amount by 10^scaleExp into the
// ledger's integer representation. The amount may carry at most scaleExp
// fractional digits; anything finer would silently lose precision and is
// rejected instead.
func ToFixedPoint(amount string, scaleExp int) (*big.Int, error) {
	trimmed := strings.TrimSpace(amount)
	if trimmed == "" {
		return nil, fault.Validationf("amount must not be empty")
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fault.Validationf("amount must not be negative: %s", amount)
	}
	if scaleExp < 0 {
		return nil, fault.Validationf("scale exponent must not be negative: %d", scaleExp)
	}
	whole, frac := trimmed, ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole, frac = trimmed[:idx], trimmed[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > scaleExp {
		return nil, fault.Validationf("amount %s has more than %d fractional digits", amount, scaleExp)
	}
	digits := whole + frac + strings.Repeat("0", scaleExp-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fault.Validationf("invalid decimal amount %q", amount)
	}
	if v.Cmp(maxWord) > 0 {
		return nil, fault.Overflowf("amount %s scaled by 10^%d exceeds the ledger integer width", amount, scaleExp)
	}
	return v, nil
}

// FromFixedPoint renders a ledger integer back into its decimal amount,
// trimming trailing fractional zeros.
func FromFixedPoint(v *big.Int, scaleExp int) string {
	if v == nil || scaleExp <= 0 {
		if v == nil {
			return "0"
		}
		return v.String()
	}
	digits := v.String()
	if len(digits) <= scaleExp {
		digits = strings.Repeat("0", scaleExp-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-scaleExp]
	frac := strings.TrimRight(digits[len(digits)-scaleExp:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

// ToScalarPair splits a 256-bit value into 128-bit halves for ledgers whose
// native word is narrower than the domain integer.
func ToScalarPair(v *big.Int) (low Felt, high Felt, err error) {
	if v == nil || v.Sign() < 0 {
		return "", "", fault.Encodingf("scalar pair value must be non-negative")
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return "", "", fault.Overflowf("value %s exceeds 256 bits", v)
	}
	var lowPart, highPart uint256.Int
	lowPart[0], lowPart[1] = word[0], word[1]
	highPart[0], highPart[1] = word[2], word[3]
	return Felt(hexutil.EncodeBig(lowPart.ToBig())), Felt(hexutil.EncodeBig(highPart.ToBig())), nil
}

// FromScalarPair joins two 128-bit halves back into the original value.
// Round-trips with ToScalarPair exactly for all values in [0, 2^256).
func FromScalarPair(low, high Felt) (*big.Int, error) {
	lowV, err := low.Big()
	if err != nil {
		return nil, err
	}
	highV, err := high.Big()
	if err != nil {
		return nil, err
	}
	if lowV.Cmp(halfWord) >= 0 {
		return nil, fault.Encodingf("low half %s exceeds 128 bits", low)
	}
	if highV.Cmp(halfWord) >= 0 {
		return nil, fault.Encodingf("high half %s exceeds 128 bits", high)
	}
	return new(big.Int).Add(new(big.Int).Lsh(highV, 128), lowV), nil
}
