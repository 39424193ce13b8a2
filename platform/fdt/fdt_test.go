package fdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	blob, err := QemuVirt(2, 10_000_000)
	require.NoError(t, err)

	tree, err := Parse(blob)
	require.NoError(t, err)

	require.Equal(t, "riscv-virtio,qemu", tree.Model())
	require.Equal(t, 2, tree.CPUCount())

	cpu, ok := tree.Find("/cpus/cpu@1")
	require.True(t, ok)

	reg, ok := cpu.Property("reg")
	require.True(t, ok)

	v, ok := reg.U32()
	require.True(t, ok)
	require.Equal(t, uint32(1), v)

	isa, ok := cpu.Property("riscv,isa")
	require.True(t, ok)
	require.Equal(t, []string{"rv64imafdc"}, isa.Strings())

	mem, ok := tree.Find("/memory@80000000")
	require.True(t, ok)
	require.Equal(t, "memory", mem.UnitName())
}

func TestTimebaseFrequency(t *testing.T) {
	t.Run("prefers the first cpu node", func(t *testing.T) {
		b := NewBuilder()
		b.BeginNode("").
			BeginNode("cpus").
			U32("timebase-frequency", 1000).
			BeginNode("cpu@0").U32("timebase-frequency", 2000).EndNode().
			BeginNode("cpu@1").U32("timebase-frequency", 3000).EndNode().
			EndNode().
			EndNode()

		blob, err := b.Bytes()
		require.NoError(t, err)

		tree, err := Parse(blob)
		require.NoError(t, err)

		hz, ok := tree.TimebaseFrequency()
		require.True(t, ok)
		require.Equal(t, uint64(2000), hz)
	})

	t.Run("falls back to the cpus node", func(t *testing.T) {
		blob, err := QemuVirt(1, 12345)
		require.NoError(t, err)

		tree, err := Parse(blob)
		require.NoError(t, err)

		hz, ok := tree.TimebaseFrequency()
		require.True(t, ok)
		require.Equal(t, uint64(12345), hz)
	})

	t.Run("reports nothing when absent", func(t *testing.T) {
		blob, err := QemuVirt(1, 0)
		require.NoError(t, err)

		tree, err := Parse(blob)
		require.NoError(t, err)

		_, ok := tree.TimebaseFrequency()
		require.False(t, ok)
	})
}

func TestParseRejectsBadBlobs(t *testing.T) {
	_, err := Parse(nil)
	require.Equal(t, ErrTruncated, err)

	blob, err := QemuVirt(1, 1)
	require.NoError(t, err)

	bad := append([]byte(nil), blob...)
	bad[0] = 0
	_, err = Parse(bad)
	require.Equal(t, ErrBadMagic, err)

	// Every truncation is an error, never a panic.
	for i := headerSize; i < len(blob); i += 3 {
		short := append([]byte(nil), blob[:i]...)
		_, err := Parse(short)
		require.Error(t, err)
	}
}

func TestBuilderRequiresBalancedNodes(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")

	_, err := b.Bytes()
	require.Error(t, err)
}
