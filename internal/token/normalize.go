// Package token normalizes native-vs-wrapped asset addresses before
// routing. Pure functions, no I/O.
package token

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// NativeSOL is the system-program sentinel clients use for native SOL.
	NativeSOL = "11111111111111111111111111111111"
	// WrappedSOL is the wSOL mint every venue actually trades.
	WrappedSOL = "So11111111111111111111111111111111111111112"
)

var (
	ErrSameAsset      = errors.New("token_in and token_out resolve to the same asset")
	ErrInvalidAddress = errors.New("invalid token address")
)

// base58 alphabet excludes 0, O, I, l.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Set = func() [256]bool {
	var s [256]bool
	for i := 0; i < len(base58Alphabet); i++ {
		s[base58Alphabet[i]] = true
	}
	return s
}()

// ValidAddress reports whether addr looks like a base58 mint address.
func ValidAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	for i := 0; i < len(addr); i++ {
		if !base58Set[addr[i]] {
			return false
		}
	}
	return true
}

// Normalize maps the native sentinel to its wrapped mint. Identity for
// everything else, so Normalize(Normalize(a)) == Normalize(a).
func Normalize(addr string) string {
	if addr == NativeSOL {
		return WrappedSOL
	}
	return addr
}

// ValidatePair rejects malformed addresses and degenerate pairs,
// including native<->wrapped of the same underlying asset.
func ValidatePair(in, out string) error {
	if !ValidAddress(in) {
		return fmt.Errorf("token_in %q: %w", in, ErrInvalidAddress)
	}
	if !ValidAddress(out) {
		return fmt.Errorf("token_out %q: %w", out, ErrInvalidAddress)
	}
	if in == out || Normalize(in) == Normalize(out) {
		return ErrSameAsset
	}
	return nil
}

// WrapPlan describes the wrap/unwrap legs a swap needs around the venue
// call. NormalizedIn/Out are what the router and venues see; the order
// record keeps the original addresses.
type WrapPlan struct {
	NeedsWrapIn    bool
	NeedsUnwrapOut bool
	WrapAmount     decimal.Decimal
	NormalizedIn   string
	NormalizedOut  string
}

// PlanWraps computes the wrap/unwrap instructions for a validated pair.
func PlanWraps(in, out string, amountIn decimal.Decimal) WrapPlan {
	plan := WrapPlan{
		NormalizedIn:  Normalize(in),
		NormalizedOut: Normalize(out),
	}
	if in == NativeSOL {
		plan.NeedsWrapIn = true
		plan.WrapAmount = amountIn
	}
	if out == NativeSOL {
		plan.NeedsUnwrapOut = true
	}
	return plan
}
