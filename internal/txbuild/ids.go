package txbuild

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GenerateListingID derives a listing identifier from the seller, the
// listing title, and the current time. The timestamp salt makes repeated
// listings with the same title distinct; the same inputs always produce
// the same ID.
func GenerateListingID(seller, title string, now time.Time) string {
	return hashID(seller + title + strconv.FormatInt(now.Unix(), 10))
}

// GenerateOrderID derives an order identifier from the listing, the
// buyer, and the current time.
func GenerateOrderID(listingID, buyer string, now time.Time) string {
	return hashID(listingID + buyer + strconv.FormatInt(now.Unix(), 10))
}

func hashID(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}

// IDToBytes32 parses a 0x-prefixed 64-hex-char identifier into the
// bytes32 form the contract expects.
func IDToBytes32(id string) ([32]byte, error) {
	var out [32]byte
	hexPart := strings.TrimPrefix(id, "0x")
	if len(hexPart) != 64 {
		return out, fmt.Errorf("invalid id %q: want 0x + 64 hex chars", id)
	}
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return out, fmt.Errorf("invalid id %q: %v", id, err)
	}
	copy(out[:], raw)
	return out, nil
}

// ExpirationTimestamp returns the unix time `days` days from now, used
// for listing expirations and fill deadlines.
func ExpirationTimestamp(now time.Time, days int) uint64 {
	return uint64(now.Unix() + int64(days)*86400)
}
