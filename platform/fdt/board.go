package fdt

// TimebaseFrequency returns the timer frequency the tree describes. The
// first cpu node's timebase-frequency wins; /cpus's is the fallback.
func (t *Tree) TimebaseFrequency() (uint64, bool) {
	cpus, ok := t.Find("/cpus")
	if !ok {
		return 0, false
	}

	for _, c := range cpus.Children {
		if c.UnitName() != "cpu" {
			continue
		}

		if p, ok := c.Property("timebase-frequency"); ok {
			if v, ok := p.Uint(); ok {
				return v, true
			}
		}

		break
	}

	if p, ok := cpus.Property("timebase-frequency"); ok {
		return p.Uint()
	}

	return 0, false
}

// CPUCount counts the cpu nodes under /cpus.
func (t *Tree) CPUCount() int {
	cpus, ok := t.Find("/cpus")
	if !ok {
		return 0
	}

	n := 0
	for _, c := range cpus.Children {
		if c.UnitName() == "cpu" {
			n++
		}
	}

	return n
}

// Model returns the root model property.
func (t *Tree) Model() string {
	if p, ok := t.Root.Property("model"); ok {
		if s := p.Strings(); len(s) > 0 {
			return s[0]
		}
	}

	return ""
}
