package fdt

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
)

// Builder emits a devicetree blob node by node.
type Builder struct {
	structs bytes.Buffer
	strings bytes.Buffer
	offsets map[string]uint32
	depth   int
	bootCPU uint32
}

func NewBuilder() *Builder {
	return &Builder{offsets: make(map[string]uint32)}
}

func (b *Builder) SetBootCPU(id uint32) {
	b.bootCPU = id
}

func (b *Builder) token(tok uint32) {
	binary.Write(&b.structs, binary.BigEndian, tok)
}

func (b *Builder) pad() {
	for b.structs.Len()%4 != 0 {
		b.structs.WriteByte(0)
	}
}

func (b *Builder) BeginNode(name string) *Builder {
	b.token(tokenBeginNode)
	b.structs.WriteString(name)
	b.structs.WriteByte(0)
	b.pad()
	b.depth++

	return b
}

func (b *Builder) EndNode() *Builder {
	b.token(tokenEndNode)
	b.depth--

	return b
}

func (b *Builder) Property(name string, val []byte) *Builder {
	off, ok := b.offsets[name]
	if !ok {
		off = uint32(b.strings.Len())
		b.strings.WriteString(name)
		b.strings.WriteByte(0)
		b.offsets[name] = off
	}

	b.token(tokenProp)
	binary.Write(&b.structs, binary.BigEndian, uint32(len(val)))
	binary.Write(&b.structs, binary.BigEndian, off)
	b.structs.Write(val)
	b.pad()

	return b
}

func (b *Builder) U32(name string, v uint32) *Builder {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)

	return b.Property(name, buf[:])
}

func (b *Builder) U64(name string, v uint64) *Builder {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)

	return b.Property(name, buf[:])
}

func (b *Builder) String(name string, vals ...string) *Builder {
	var buf bytes.Buffer
	for _, v := range vals {
		buf.WriteString(v)
		buf.WriteByte(0)
	}

	return b.Property(name, buf.Bytes())
}

// Bytes finishes the blob. Every node must have been ended.
func (b *Builder) Bytes() ([]byte, error) {
	if b.depth != 0 {
		return nil, errors.Errorf("devicetree has %d open nodes", b.depth)
	}

	structs := append([]byte(nil), b.structs.Bytes()...)
	structs = binary.BigEndian.AppendUint32(structs, tokenEnd)

	// An empty memory reservation map follows the header.
	const rsvmap = headerSize
	offStruct := uint32(rsvmap + 16)
	offStrings := offStruct + uint32(len(structs))
	total := offStrings + uint32(b.strings.Len())

	hdr := header{
		Magic:           Magic,
		TotalSize:       total,
		OffStruct:       offStruct,
		OffStrings:      offStrings,
		OffMemRsvmap:    rsvmap,
		Version:         17,
		LastCompVersion: 16,
		BootCPU:         b.bootCPU,
		SizeStrings:     uint32(b.strings.Len()),
		SizeStruct:      uint32(len(structs)),
	}

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, hdr)
	out.Write(make([]byte, 16))
	out.Write(structs)
	out.Write(b.strings.Bytes())

	return out.Bytes(), nil
}

// QemuVirt builds a minimal qemu virt board with ncpu harts. A zero
// timebase leaves the property out.
func QemuVirt(ncpu int, timebase uint64) ([]byte, error) {
	b := NewBuilder()

	b.BeginNode("").
		U32("#address-cells", 2).
		U32("#size-cells", 2).
		String("compatible", "riscv-virtio").
		String("model", "riscv-virtio,qemu")

	b.BeginNode("cpus").
		U32("#address-cells", 1).
		U32("#size-cells", 0)

	if timebase != 0 {
		b.U32("timebase-frequency", uint32(timebase))
	}

	for i := 0; i < ncpu; i++ {
		b.BeginNode(cpuNodeName(i)).
			String("device_type", "cpu").
			U32("reg", uint32(i)).
			String("compatible", "riscv").
			String("riscv,isa", "rv64imafdc").
			EndNode()
	}

	b.EndNode()

	b.BeginNode("memory@80000000").
		String("device_type", "memory").
		Property("reg", regCells(0x80000000, 0x8000000)).
		EndNode()

	b.EndNode()

	return b.Bytes()
}

func cpuNodeName(i int) string {
	return "cpu@" + strconv.Itoa(i)
}

func regCells(addr, size uint64) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], addr)
	binary.BigEndian.PutUint64(buf[8:], size)

	return buf[:]
}
