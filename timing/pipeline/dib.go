package pipeline

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// DIBConfig is the geometry of the decoded instruction buffer.
type DIBConfig struct {
	// WindowSize is the number of instruction bytes covered by one entry.
	WindowSize int `json:"window_size" toml:"window_size"`
	Sets       int `json:"sets" toml:"sets"`
	Ways       int `json:"ways" toml:"ways"`
}

// DefaultDIBConfig returns a 32-set, 8-way buffer of 16-byte windows.
func DefaultDIBConfig() DIBConfig {
	return DIBConfig{
		WindowSize: 16,
		Sets:       32,
		Ways:       8,
	}
}

// DIBStats counts decoded instruction buffer lookups.
type DIBStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Fills  uint64 `json:"fills"`
}

// DIB is the decoded instruction buffer, a set-associative LRU cache of
// instruction address windows that have recently been decoded.
type DIB struct {
	config    DIBConfig
	directory *akitacache.DirectoryImpl
	stats     DIBStats
}

// NewDIB creates an empty decoded instruction buffer.
func NewDIB(config DIBConfig) *DIB {
	return &DIB{
		config: config,
		directory: akitacache.NewDirectory(
			config.Sets,
			config.Ways,
			config.WindowSize,
			akitacache.NewLRUVictimFinder(),
		),
	}
}

func (d *DIB) window(pc uint64) uint64 {
	size := uint64(d.config.WindowSize)
	return pc / size * size
}

// Hit reports whether the window holding pc has been decoded recently. A
// nil DIB never hits.
func (d *DIB) Hit(pc uint64) bool {
	if d == nil {
		return false
	}

	block := d.directory.Lookup(0, d.window(pc))
	if block == nil || !block.IsValid {
		d.stats.Misses++
		return false
	}

	d.directory.Visit(block)
	d.stats.Hits++
	return true
}

// Fill records the window holding pc as decoded.
func (d *DIB) Fill(pc uint64) {
	if d == nil {
		return
	}

	addr := d.window(pc)
	block := d.directory.Lookup(0, addr)
	if block == nil || !block.IsValid {
		block = d.directory.FindVictim(addr)
		if block == nil {
			return
		}
		block.Tag = addr
		block.IsValid = true
		d.stats.Fills++
	}
	d.directory.Visit(block)
}

// Stats returns lookup statistics.
func (d *DIB) Stats() DIBStats {
	if d == nil {
		return DIBStats{}
	}
	return d.stats
}

// ResetStats clears lookup statistics.
func (d *DIB) ResetStats() {
	if d == nil {
		return
	}
	d.stats = DIBStats{}
}
