package txbuild

import (
	"bytes"
	"fmt"
	"os"
)

// LoadScript reads a Chainlink Functions verification script from disk
// and normalizes it for on-chain submission: UTF-8 BOM stripped, CRLF
// line endings converted to LF. The oracle executes the source verbatim,
// so editor artifacts must not leak into the encoded extra data.
func LoadScript(path string) (string, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- script paths come from service configuration
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", path, err)
	}

	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))

	return string(raw), nil
}
