package memory

import (
	"io"
	"sort"
	"sync"

	"github.com/evanphx/rvos/abi"
	"github.com/evanphx/rvos/abi/linux"
	"github.com/pkg/errors"
)

const PageSize = 4096

// Default layout of a fresh address space.
const (
	DefaultHeapBase  = 0x0000_0010_0000_0000
	DefaultHeapLimit = 0x0000_0000_4000_0000 // 1GiB of brk space
	DefaultMmapBase  = 0x0000_0020_0000_0000
	TopOfUserSpace   = 0x0000_0040_0000_0000
)

var (
	ErrInvalidMemoryAccess = abi.NewError(abi.EFAULT, "invalid memory access via projection")
	ErrBadRegionRequest    = abi.NewError(abi.EINVAL, "bad region request")
	ErrNotMapped           = abi.NewError(abi.ENOMEM, "range not mapped")
	ErrNoSpace             = abi.NewError(abi.ENOMEM, "no address space left")
)

// Backing is the file side of a file mapping.
type Backing interface {
	io.ReaderAt
	io.WriterAt
}

type RegionKind int

const (
	Anonymous RegionKind = iota
	Heap
	FileMapping
)

// store holds the bytes of one or more regions, one page at a time. Pages
// appear on first write, so large sparse mappings cost nothing until
// touched. Shared mappings keep their store across fork.
type store struct {
	mu    sync.Mutex
	pages map[uint64]*[PageSize]byte
}

func newStore() *store {
	return &store{pages: make(map[uint64]*[PageSize]byte)}
}

func pageRound(sz uint64) uint64 {
	return (sz + PageSize - 1) &^ (PageSize - 1)
}

// span calls fn for each page piece of [off, off+n).
func span(off uint64, n int, fn func(pg uint64, in, lo, hi int)) {
	for done := 0; done < n; {
		cur := off + uint64(done)
		in := int(cur % PageSize)

		sz := PageSize - in
		if left := n - done; sz > left {
			sz = left
		}

		fn(cur/PageSize, in, done, done+sz)
		done += sz
	}
}

// read copies the store at off into b. Untouched pages read as zero.
func (s *store) read(off uint64, b []byte) {
	span(off, len(b), func(pg uint64, in, lo, hi int) {
		if p, ok := s.pages[pg]; ok {
			copy(b[lo:hi], p[in:])
			return
		}

		for i := lo; i < hi; i++ {
			b[i] = 0
		}
	})
}

func (s *store) write(off uint64, b []byte) {
	span(off, len(b), func(pg uint64, in, lo, hi int) {
		p, ok := s.pages[pg]
		if !ok {
			p = new([PageSize]byte)
			s.pages[pg] = p
		}

		copy(p[in:], b[lo:hi])
	})
}

// present returns the touched pages in [off, off+n) in order.
func (s *store) present(off, n uint64) []uint64 {
	first, last := off/PageSize, (off+n+PageSize-1)/PageSize

	var out []uint64
	for pg := range s.pages {
		if pg >= first && pg < last {
			out = append(out, pg)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

func (s *store) dup() *store {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := &store{pages: make(map[uint64]*[PageSize]byte, len(s.pages))}
	for pg, p := range s.pages {
		cpy := *p
		child.pages[pg] = &cpy
	}

	return child
}

type Region struct {
	Start, Size uint64
	Prot        linux.MmapProt
	Shared      bool
	Kind        RegionKind

	// File mappings remember where they came from for msync write-back.
	Backing Backing
	Offset  int64

	store *store
	base  uint64
}

func (reg *Region) End() uint64 {
	return reg.Start + reg.Size
}

func (reg *Region) Contains(x uint64) bool {
	return x >= reg.Start && x < reg.End()
}

func (reg *Region) dup() *Region {
	child := &Region{}

	// shallow dup
	*child = *reg

	if !reg.Shared {
		child.store = reg.store.dup()
	}

	return child
}

// split cuts reg at addr and returns the upper half. Both halves keep the
// same store.
func (reg *Region) split(addr uint64) *Region {
	upper := &Region{}
	*upper = *reg

	delta := addr - reg.Start

	upper.Start = addr
	upper.Size = reg.Size - delta
	upper.base = reg.base + delta
	upper.Offset = reg.Offset + int64(delta)

	reg.Size = delta

	return upper
}

func (reg *Region) offset(addr uint64) uint64 {
	return reg.base + (addr - reg.Start)
}

// writeBack flushes the touched pages of a shared file region in
// [start, end) to its backing file.
func (reg *Region) writeBack(start, end uint64) error {
	if !reg.Shared || reg.Backing == nil {
		return nil
	}

	var page [PageSize]byte

	lo, hi := reg.offset(start), reg.offset(end)

	reg.store.mu.Lock()
	pages := reg.store.present(lo, hi-lo)
	reg.store.mu.Unlock()

	for _, pg := range pages {
		from, to := pg*PageSize, (pg+1)*PageSize
		if from < lo {
			from = lo
		}
		if to > hi {
			to = hi
		}

		buf := page[:to-from]

		reg.store.mu.Lock()
		reg.store.read(from, buf)
		reg.store.mu.Unlock()

		if _, err := reg.Backing.WriteAt(buf, reg.Offset+int64(from-reg.base)); err != nil {
			return err
		}
	}

	return nil
}

type VirtualMemory struct {
	mu sync.Mutex

	regions []*Region

	heapBase  uint64
	heapLimit uint64
	brk       uint64

	nextMmapStart uint64
	size          uint64
}

func NewVirtualMemory() *VirtualMemory {
	return &VirtualMemory{
		heapBase:      DefaultHeapBase,
		heapLimit:     DefaultHeapLimit,
		brk:           DefaultHeapBase,
		nextMmapStart: DefaultMmapBase,
	}
}

// SetHeap moves the program break origin. Loaders call this once the image
// end is known.
func (vm *VirtualMemory) SetHeap(base, limit uint64) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.heapBase = pageRound(base)
	vm.heapLimit = limit
	vm.brk = vm.heapBase
}

func (vm *VirtualMemory) Fork() *VirtualMemory {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	child := &VirtualMemory{
		heapBase:      vm.heapBase,
		heapLimit:     vm.heapLimit,
		brk:           vm.brk,
		nextMmapStart: vm.nextMmapStart,
		size:          vm.size,
		regions:       make([]*Region, len(vm.regions)),
	}

	for i, reg := range vm.regions {
		child.regions[i] = reg.dup()
	}

	return child
}

// Size returns the number of mapped bytes.
func (vm *VirtualMemory) Size() uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	return vm.size
}

// Regions returns a snapshot of the mapped regions in address order.
func (vm *VirtualMemory) Regions() []Region {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	out := make([]Region, len(vm.regions))
	for i, reg := range vm.regions {
		out[i] = *reg
	}

	return out
}

func (vm *VirtualMemory) findRegion(addr uint64) (*Region, bool) {
	i := sort.Search(len(vm.regions), func(i int) bool {
		return vm.regions[i].End() > addr
	})

	if i < len(vm.regions) && vm.regions[i].Contains(addr) {
		return vm.regions[i], true
	}

	return nil, false
}

func (vm *VirtualMemory) FindRegion(addr uint64) (*Region, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	reg, ok := vm.findRegion(addr)
	if !ok {
		return nil, false
	}

	cpy := *reg
	return &cpy, true
}

func (vm *VirtualMemory) insert(reg *Region) {
	vm.regions = append(vm.regions, reg)
	sort.Slice(vm.regions, func(i, j int) bool {
		return vm.regions[i].Start < vm.regions[j].Start
	})

	vm.size += reg.Size
}

// overlaps reports whether [start, end) touches any region.
func (vm *VirtualMemory) overlaps(start, end uint64) bool {
	_, hit := vm.overlapEnd(start, end)
	return hit
}

// overlapEnd returns the end of the last region touching [start, end).
func (vm *VirtualMemory) overlapEnd(start, end uint64) (uint64, bool) {
	var (
		last uint64
		hit  bool
	)

	for _, reg := range vm.regions {
		if reg.Start < end && start < reg.End() {
			last, hit = reg.End(), true
		}
	}

	return last, hit
}

// isolate splits regions so that start and end fall on region boundaries,
// and returns the regions inside [start, end).
func (vm *VirtualMemory) isolate(start, end uint64) []*Region {
	var out []*Region

	for i := 0; i < len(vm.regions); i++ {
		reg := vm.regions[i]

		if reg.End() <= start || reg.Start >= end {
			continue
		}

		if reg.Start < start {
			upper := reg.split(start)
			vm.regions = append(vm.regions[:i+1], append([]*Region{upper}, vm.regions[i+1:]...)...)
			continue
		}

		if reg.End() > end {
			upper := reg.split(end)
			vm.regions = append(vm.regions[:i+1], append([]*Region{upper}, vm.regions[i+1:]...)...)
		}

		out = append(out, reg)
	}

	return out
}

// covered reports whether [start, end) is fully mapped.
func (vm *VirtualMemory) covered(start, end uint64) bool {
	cur := start
	for cur < end {
		reg, ok := vm.findRegion(cur)
		if !ok {
			return false
		}
		cur = reg.End()
	}

	return true
}

func (vm *VirtualMemory) removeRange(start, end uint64) {
	victims := vm.isolate(start, end)
	if len(victims) == 0 {
		return
	}

	dead := make(map[*Region]bool, len(victims))
	for _, reg := range victims {
		dead[reg] = true
		vm.size -= reg.Size
	}

	kept := vm.regions[:0]
	for _, reg := range vm.regions {
		if !dead[reg] {
			kept = append(kept, reg)
		}
	}

	vm.regions = kept
}

// NewRegion maps an anonymous region at a fixed address. Loaders use it to
// lay out images and stacks.
func (vm *VirtualMemory) NewRegion(addr, size uint64, prot linux.MmapProt) (*Region, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if addr%PageSize != 0 || size == 0 {
		return nil, ErrBadRegionRequest
	}

	size = pageRound(size)
	if size == 0 || addr+size < addr || addr+size > TopOfUserSpace {
		return nil, errors.Wrapf(ErrNoSpace, "region %x+%x", addr, size)
	}

	if vm.overlaps(addr, addr+size) {
		return nil, errors.Wrapf(ErrBadRegionRequest, "region %x+%x overlaps", addr, size)
	}

	reg := &Region{
		Start: addr,
		Size:  size,
		Prot:  prot,
		Kind:  Anonymous,
		store: newStore(),
	}

	vm.insert(reg)

	return reg, nil
}

// Brk moves the program break. A zero or out of range request leaves the
// break unchanged. The current break is always returned.
func (vm *VirtualMemory) Brk(addr uint64) uint64 {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if addr == 0 || addr < vm.heapBase || addr > vm.heapBase+vm.heapLimit {
		return vm.brk
	}

	oldTop := pageRound(vm.brk)
	newTop := pageRound(addr)

	switch {
	case newTop > oldTop:
		if vm.overlaps(oldTop, newTop) {
			return vm.brk
		}

		reg, ok := vm.findRegion(oldTop - 1)
		if ok && reg.Kind == Heap && reg.End() == oldTop {
			reg.Size += newTop - oldTop
			vm.size += newTop - oldTop
		} else {
			vm.insert(&Region{
				Start: oldTop,
				Size:  newTop - oldTop,
				Prot:  linux.PROT_READ | linux.PROT_WRITE,
				Kind:  Heap,
				store: newStore(),
			})
		}
	case newTop < oldTop:
		vm.removeRange(newTop, oldTop)
	}

	vm.brk = addr

	return vm.brk
}

// MapRequest describes an mmap call after its words were decoded.
type MapRequest struct {
	Addr   uint64
	Length uint64
	Prot   linux.MmapProt
	Flags  linux.MmapFlags

	// Backing is nil for anonymous mappings.
	Backing Backing
	Offset  int64
}

// populateChunk bounds the buffer a file mapping is filled through.
const populateChunk = 64 * 1024

// Map creates a mapping and returns its address. File mappings are filled
// from the backing file up to its end; the rest of the range reads as
// zero.
func (vm *VirtualMemory) Map(req MapRequest) (uint64, error) {
	if req.Length == 0 || req.Offset%PageSize != 0 || req.Offset < 0 {
		return 0, ErrBadRegionRequest
	}

	shared := req.Flags&linux.MAP_SHARED != 0
	private := req.Flags&linux.MAP_PRIVATE != 0
	if shared == private {
		return 0, errors.Wrap(ErrBadRegionRequest, "exactly one of MAP_SHARED or MAP_PRIVATE")
	}

	size := pageRound(req.Length)
	if size == 0 || size > TopOfUserSpace {
		return 0, errors.Wrapf(ErrNoSpace, "length %x", req.Length)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	var addr uint64

	if req.Flags&linux.MAP_FIXED != 0 {
		if req.Addr%PageSize != 0 {
			return 0, ErrBadRegionRequest
		}

		if req.Addr > TopOfUserSpace-size {
			return 0, errors.Wrapf(ErrNoSpace, "fixed mapping %x+%x", req.Addr, size)
		}

		addr = req.Addr
		vm.removeRange(addr, addr+size)
	} else {
		addr = vm.nextMmapStart
		if addr > TopOfUserSpace-size {
			return 0, ErrNoSpace
		}

		for {
			end, hit := vm.overlapEnd(addr, addr+size)
			if !hit {
				break
			}

			addr = pageRound(end)
			if addr > TopOfUserSpace-size {
				return 0, ErrNoSpace
			}
		}

		vm.nextMmapStart = addr + size
	}

	reg := &Region{
		Start:   addr,
		Size:    size,
		Prot:    req.Prot,
		Shared:  shared,
		Kind:    Anonymous,
		Backing: req.Backing,
		Offset:  req.Offset,
		store:   newStore(),
	}

	if req.Backing != nil {
		reg.Kind = FileMapping

		if err := reg.populate(req.Length); err != nil {
			return 0, err
		}
	}

	vm.insert(reg)

	return addr, nil
}

// populate reads up to length bytes of the backing file into the region,
// stopping at the end of the file.
func (reg *Region) populate(length uint64) error {
	buf := make([]byte, populateChunk)

	for done := uint64(0); done < length; {
		chunk := buf
		if left := length - done; left < uint64(len(chunk)) {
			chunk = chunk[:left]
		}

		n, err := reg.Backing.ReadAt(chunk, reg.Offset+int64(done))
		if n > 0 {
			reg.store.write(reg.base+done, chunk[:n])
			done += uint64(n)
		}

		if err == io.EOF || (err == nil && n < len(chunk)) {
			return nil
		}

		if err != nil {
			return errors.Wrap(err, "populating file mapping")
		}
	}

	return nil
}

func checkRange(addr, length uint64) (uint64, uint64, error) {
	if addr%PageSize != 0 || length == 0 {
		return 0, 0, ErrBadRegionRequest
	}

	end := addr + pageRound(length)
	if end < addr || end > TopOfUserSpace {
		return 0, 0, ErrBadRegionRequest
	}

	return addr, end, nil
}

// Unmap removes [addr, addr+length). Unmapped holes inside the range are
// not an error. Shared file regions are written back first.
func (vm *VirtualMemory) Unmap(addr, length uint64) error {
	start, end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	for _, reg := range vm.isolate(start, end) {
		if err := reg.writeBack(reg.Start, reg.End()); err != nil {
			return err
		}
	}

	vm.removeRange(start, end)

	return nil
}

// Protect changes the protection of a fully mapped range.
func (vm *VirtualMemory) Protect(addr, length uint64, prot linux.MmapProt) error {
	start, end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if !vm.covered(start, end) {
		return ErrNotMapped
	}

	for _, reg := range vm.isolate(start, end) {
		reg.Prot = prot
	}

	return nil
}

// Sync writes shared file regions in the range back to their files.
func (vm *VirtualMemory) Sync(addr, length uint64) error {
	if addr%PageSize != 0 {
		return ErrBadRegionRequest
	}

	if length == 0 {
		return nil
	}

	end := addr + pageRound(length)
	if end <= addr {
		return ErrNotMapped
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if !vm.covered(addr, end) {
		return ErrNotMapped
	}

	for _, reg := range vm.regions {
		if reg.End() <= addr || reg.Start >= end {
			continue
		}

		s, e := reg.Start, reg.End()
		if s < addr {
			s = addr
		}
		if e > end {
			e = end
		}

		if err := reg.writeBack(s, e); err != nil {
			return err
		}
	}

	return nil
}

// access walks [addr, addr+len(b)) region by region, reading into b or
// writing from it. need is the protection every touched region must carry.
func (vm *VirtualMemory) access(addr uint64, b []byte, need linux.MmapProt, write bool) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	n := len(b)

	if addr+uint64(n) < addr {
		return errors.Wrapf(ErrInvalidMemoryAccess, "range wraps address=%x, size=%x", addr, n)
	}

	done := 0
	for done < n {
		cur := addr + uint64(done)

		reg, ok := vm.findRegion(cur)
		if !ok || reg.Prot&need != need {
			return errors.Wrapf(ErrInvalidMemoryAccess, "error projecting address=%x, size=%x", addr, n)
		}

		sz := reg.End() - cur
		if left := uint64(n - done); sz > left {
			sz = left
		}

		chunk := b[done : done+int(sz)]

		reg.store.mu.Lock()
		if write {
			reg.store.write(reg.offset(cur), chunk)
		} else {
			reg.store.read(reg.offset(cur), chunk)
		}
		reg.store.mu.Unlock()

		done += int(sz)
	}

	return nil
}

// CopyIn reads user memory into b. The range must be readable.
func (vm *VirtualMemory) CopyIn(addr uint64, b []byte) error {
	return vm.access(addr, b, linux.PROT_READ, false)
}

// CopyOut writes b into user memory. The range must be writable.
func (vm *VirtualMemory) CopyOut(addr uint64, b []byte) error {
	return vm.access(addr, b, linux.PROT_WRITE, true)
}

// ReadAt implements io.ReaderAt over user memory.
func (vm *VirtualMemory) ReadAt(b []byte, off int64) (int, error) {
	if err := vm.CopyIn(uint64(off), b); err != nil {
		return 0, err
	}

	return len(b), nil
}

// WriteAt implements io.WriterAt over user memory.
func (vm *VirtualMemory) WriteAt(b []byte, off int64) (int, error) {
	if err := vm.CopyOut(uint64(off), b); err != nil {
		return 0, err
	}

	return len(b), nil
}

// Load32 reads an aligned 32-bit word, as futex comparisons do.
func (vm *VirtualMemory) Load32(addr uint64) (uint32, error) {
	if addr%4 != 0 {
		return 0, ErrBadRegionRequest
	}

	var b [4]byte
	if err := vm.CopyIn(addr, b[:]); err != nil {
		return 0, err
	}

	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
