// Package fdt reads and writes flattened devicetree blobs.
package fdt

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

const (
	Magic = 0xd00dfeed

	tokenBeginNode = 1
	tokenEndNode   = 2
	tokenProp      = 3
	tokenNop       = 4
	tokenEnd       = 9

	headerSize = 40
	maxDepth   = 32
)

var (
	ErrBadMagic  = errors.New("not a devicetree blob")
	ErrTruncated = errors.New("devicetree blob truncated")
	ErrBadToken  = errors.New("invalid devicetree token")
	ErrTooDeep   = errors.New("devicetree nested too deeply")
)

type Property struct {
	Name  string
	Value []byte
}

// U32 decodes a single cell.
func (p *Property) U32() (uint32, bool) {
	if len(p.Value) < 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(p.Value), true
}

// Uint decodes a one or two cell value.
func (p *Property) Uint() (uint64, bool) {
	switch len(p.Value) {
	case 4:
		return uint64(binary.BigEndian.Uint32(p.Value)), true
	case 8:
		return binary.BigEndian.Uint64(p.Value), true
	default:
		return 0, false
	}
}

// Strings splits a NUL separated string list.
func (p *Property) Strings() []string {
	s := strings.TrimRight(string(p.Value), "\x00")
	if s == "" {
		return nil
	}

	return strings.Split(s, "\x00")
}

type Node struct {
	Name       string
	Properties []*Property
	Children   []*Node
}

func (n *Node) Property(name string) (*Property, bool) {
	for _, p := range n.Properties {
		if p.Name == name {
			return p, true
		}
	}

	return nil, false
}

func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}

	return nil, false
}

// UnitName returns the node name without its unit address.
func (n *Node) UnitName() string {
	if i := strings.IndexByte(n.Name, '@'); i >= 0 {
		return n.Name[:i]
	}

	return n.Name
}

type Tree struct {
	Root    *Node
	BootCPU uint32
}

// Find walks an absolute path such as /cpus/cpu@0.
func (t *Tree) Find(path string) (*Node, bool) {
	n := t.Root

	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}

		c, ok := n.Child(part)
		if !ok {
			return nil, false
		}

		n = c
	}

	return n, true
}

type header struct {
	Magic           uint32
	TotalSize       uint32
	OffStruct       uint32
	OffStrings      uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPU         uint32
	SizeStrings     uint32
	SizeStruct      uint32
}

// Parse decodes blob. Every offset is bounds checked; a malformed blob is
// an error, never a panic.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < headerSize {
		return nil, ErrTruncated
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(blob[:headerSize]), binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "reading devicetree header")
	}

	if hdr.Magic != Magic {
		return nil, ErrBadMagic
	}

	if int(hdr.TotalSize) > len(blob) || hdr.OffStruct > hdr.TotalSize || hdr.OffStrings > hdr.TotalSize {
		return nil, ErrTruncated
	}

	p := &parser{
		data:    blob[hdr.OffStruct:hdr.TotalSize],
		strings: blob[hdr.OffStrings:hdr.TotalSize],
	}

	root, err := p.parse()
	if err != nil {
		return nil, err
	}

	return &Tree{Root: root, BootCPU: hdr.BootCPU}, nil
}

type parser struct {
	data    []byte
	strings []byte
	pos     int
}

func (p *parser) u32() (uint32, error) {
	if p.pos+4 > len(p.data) {
		return 0, ErrTruncated
	}

	v := binary.BigEndian.Uint32(p.data[p.pos:])
	p.pos += 4

	return v, nil
}

func (p *parser) align() {
	p.pos = (p.pos + 3) &^ 3
}

func (p *parser) cstring(buf []byte, off int) (string, error) {
	if off < 0 || off >= len(buf) {
		return "", ErrTruncated
	}

	end := bytes.IndexByte(buf[off:], 0)
	if end < 0 {
		return "", ErrTruncated
	}

	return string(buf[off : off+end]), nil
}

func (p *parser) parse() (*Node, error) {
	var (
		stack []*Node
		root  *Node
	)

	for {
		tok, err := p.u32()
		if err != nil {
			return nil, err
		}

		switch tok {
		case tokenBeginNode:
			name, err := p.cstring(p.data, p.pos)
			if err != nil {
				return nil, err
			}

			p.pos += len(name) + 1
			p.align()

			if len(stack) >= maxDepth {
				return nil, ErrTooDeep
			}

			n := &Node{Name: name}

			if len(stack) == 0 {
				if root != nil {
					return nil, errors.Wrap(ErrBadToken, "second root node")
				}

				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}

			stack = append(stack, n)
		case tokenEndNode:
			if len(stack) == 0 {
				return nil, errors.Wrap(ErrBadToken, "unbalanced end node")
			}

			stack = stack[:len(stack)-1]
		case tokenProp:
			size, err := p.u32()
			if err != nil {
				return nil, err
			}

			nameOff, err := p.u32()
			if err != nil {
				return nil, err
			}

			name, err := p.cstring(p.strings, int(nameOff))
			if err != nil {
				return nil, err
			}

			if len(stack) == 0 {
				return nil, errors.Wrap(ErrBadToken, "property outside a node")
			}

			if uint64(p.pos)+uint64(size) > uint64(len(p.data)) {
				return nil, ErrTruncated
			}

			val := append([]byte(nil), p.data[p.pos:p.pos+int(size)]...)
			p.pos += int(size)
			p.align()

			n := stack[len(stack)-1]
			n.Properties = append(n.Properties, &Property{Name: name, Value: val})
		case tokenNop:
		case tokenEnd:
			if root == nil || len(stack) != 0 {
				return nil, errors.Wrap(ErrBadToken, "end inside a node")
			}

			return root, nil
		default:
			return nil, errors.Wrapf(ErrBadToken, "token %d", tok)
		}
	}
}
