package platform

import (
	"encoding/hex"

	"github.com/evanphx/rvos/platform/fdt"
	"golang.org/x/crypto/blake2b"
)

// BoardInfo is what the primary cpu learns about the board.
type BoardInfo struct {
	TimerFrequency uint64

	// FromDevicetree is set when the frequency came from the blob rather
	// than the configured default.
	FromDevicetree bool

	CPUs  int
	Model string

	// Fingerprint is the blake2b-256 hash of the devicetree blob.
	Fingerprint [32]byte
}

// FingerprintOf hashes a devicetree blob the way the board records it.
func FingerprintOf(dtb []byte) [32]byte {
	return blake2b.Sum256(dtb)
}

// ShortFingerprint is the first 8 bytes of the fingerprint in hex, empty
// when the board was booted without a devicetree.
func (b BoardInfo) ShortFingerprint() string {
	if b.Fingerprint == ([32]byte{}) {
		return ""
	}

	return hex.EncodeToString(b.Fingerprint[:8])
}

func (m *Machine) discoverBoard(dtb []byte) BoardInfo {
	info := BoardInfo{
		TimerFrequency: m.cfg.TimerFrequency,
		CPUs:           m.cfg.SMP,
	}

	if len(dtb) == 0 {
		return info
	}

	info.Fingerprint = FingerprintOf(dtb)

	tree, err := fdt.Parse(dtb)
	if err != nil {
		m.log.Warn("unable to parse devicetree, using defaults", "error", err)
		return info
	}

	if hz, ok := tree.TimebaseFrequency(); ok && hz != 0 {
		info.TimerFrequency = hz
		info.FromDevicetree = true
	}

	if n := tree.CPUCount(); n > 0 {
		info.CPUs = n
	}

	info.Model = tree.Model()

	return info
}
