package cache

import (
	"github.com/sarchlab/bcsim/insts"
)

// Request is a memory transaction between a core and a cache port. Read
// requests come back on the returned queue unchanged.
type Request struct {
	Address  uint64
	InstrID  uint64
	PC       uint64
	LoadType insts.LoadType
	// Dependents are the ids of instructions completed by this response.
	Dependents []uint64
	IsWrite    bool
	// Tag is an opaque value owned by the issuer.
	Tag uint64
	// Notified is set by the consumer once it has acted on the response.
	Notified bool

	readyCycle uint64
}

// PortStats counts port traffic.
type PortStats struct {
	Reads      uint64 `json:"reads"`
	Writes     uint64 `json:"writes"`
	Rejected   uint64 `json:"rejected"`
	Returned   uint64 `json:"returned"`
	Prefetches uint64 `json:"prefetches"`
}

// Port is the bus between a core and one cache. Requests are admitted while
// the in-flight queue has room and return after the cache's access latency.
type Port struct {
	cache     *Cache
	queueSize int
	now       uint64

	inflight []*Request
	returned []*Request

	stats PortStats
}

// DefaultPortQueueSize is the default number of in-flight requests.
const DefaultPortQueueSize = 32

// NewPort creates a port in front of c.
func NewPort(c *Cache, queueSize int) *Port {
	if queueSize <= 0 {
		queueSize = DefaultPortQueueSize
	}
	return &Port{cache: c, queueSize: queueSize}
}

// Cache returns the cache behind the port.
func (p *Port) Cache() *Cache {
	return p.cache
}

// Now returns the port's current cycle.
func (p *Port) Now() uint64 {
	return p.now
}

// Stats returns port statistics.
func (p *Port) Stats() PortStats {
	return p.stats
}

// ResetStats clears port and cache statistics.
func (p *Port) ResetStats() {
	p.stats = PortStats{}
	p.cache.ResetStats()
}

// IssueRead admits a read. It returns false when the port is full.
func (p *Port) IssueRead(req *Request) bool {
	if len(p.inflight) >= p.queueSize {
		p.stats.Rejected++
		return false
	}

	res := p.cache.Read(req.Address)
	req.IsWrite = false
	req.readyCycle = p.now + res.Latency
	p.inflight = append(p.inflight, req)
	p.stats.Reads++
	return true
}

// IssueWrite admits a write. Writes occupy the queue until their latency
// elapses but produce no response.
func (p *Port) IssueWrite(req *Request) bool {
	if len(p.inflight) >= p.queueSize {
		p.stats.Rejected++
		return false
	}

	res := p.cache.Write(req.Address)
	req.IsWrite = true
	req.readyCycle = p.now + res.Latency
	p.inflight = append(p.inflight, req)
	p.stats.Writes++
	return true
}

// Returned exposes the completed reads in completion order. The caller may
// modify the requests in place.
func (p *Port) Returned() []*Request {
	return p.returned
}

// PopReturned removes the first n completed reads.
func (p *Port) PopReturned(n int) {
	if n > len(p.returned) {
		n = len(p.returned)
	}
	p.returned = p.returned[n:]
}

// Tick advances the port by one cycle and moves finished reads to the
// returned queue.
func (p *Port) Tick() {
	p.now++

	kept := p.inflight[:0]
	for _, req := range p.inflight {
		switch {
		case req.readyCycle > p.now:
			kept = append(kept, req)
		case !req.IsWrite:
			p.returned = append(p.returned, req)
			p.stats.Returned++
		}
	}
	for i := len(kept); i < len(p.inflight); i++ {
		p.inflight[i] = nil
	}
	p.inflight = kept
}

// Pending returns the number of in-flight requests.
func (p *Port) Pending() int {
	return len(p.inflight)
}

// BranchOperate is the prefetcher hook called for every predicted branch.
// The block holding a predicted target is installed ahead of the fetch.
func (p *Port) BranchOperate(pc uint64, branchType insts.BranchType, predictedTarget uint64) {
	if predictedTarget == 0 {
		return
	}
	if p.cache.Prefetch(predictedTarget) {
		p.stats.Prefetches++
	}
}
