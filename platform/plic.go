package platform

import "sync"

// NumIRQs is the number of interrupt sources the qemu virt PLIC has.
const NumIRQs = 96

// PLIC routes external interrupts to harts. Each hart has one supervisor
// context with an enable set and a priority threshold.
type PLIC struct {
	mu       sync.Mutex
	priority [NumIRQs]uint32
	pending  [NumIRQs]bool
	contexts []*plicContext
}

type plicContext struct {
	enabled   [NumIRQs]bool
	threshold uint32
	claimed   int
}

func NewPLIC(harts int) *PLIC {
	return &PLIC{contexts: make([]*plicContext, harts)}
}

// InitCPU sets up the context of hart with every source masked and a zero
// threshold.
func (p *PLIC) InitCPU(hart uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(hart) < len(p.contexts) {
		p.contexts[hart] = &plicContext{}
	}
}

func (p *PLIC) Ready(hart uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return int(hart) < len(p.contexts) && p.contexts[hart] != nil
}

func (p *PLIC) SetPriority(irq int, prio uint32) {
	if irq <= 0 || irq >= NumIRQs {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.priority[irq] = prio
}

func (p *PLIC) Enable(hart uint, irq int) {
	if irq <= 0 || irq >= NumIRQs {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx := p.context(hart); ctx != nil {
		ctx.enabled[irq] = true
	}
}

func (p *PLIC) context(hart uint) *plicContext {
	if int(hart) >= len(p.contexts) {
		return nil
	}

	return p.contexts[hart]
}

// Raise marks irq pending.
func (p *PLIC) Raise(irq int) {
	if irq <= 0 || irq >= NumIRQs {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending[irq] = true
}

// Claim takes the highest priority pending source enabled for hart above
// its threshold. Source 0 means nothing is pending.
func (p *PLIC) Claim(hart uint) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx := p.context(hart)
	if ctx == nil {
		return 0
	}

	best := 0
	for irq := 1; irq < NumIRQs; irq++ {
		if !p.pending[irq] || !ctx.enabled[irq] || p.priority[irq] <= ctx.threshold {
			continue
		}

		if best == 0 || p.priority[irq] > p.priority[best] {
			best = irq
		}
	}

	if best != 0 {
		p.pending[best] = false
		ctx.claimed = best
	}

	return best
}

// Complete finishes handling irq on hart.
func (p *PLIC) Complete(hart uint, irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx := p.context(hart); ctx != nil && ctx.claimed == irq {
		ctx.claimed = 0
	}
}
