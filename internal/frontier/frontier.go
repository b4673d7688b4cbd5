// Package frontier holds the discovered-but-not-yet-visited URL set for one
// job: a priority queue with a canonicalized visited set behind a single
// mutex, so concurrent worker pushes and pops are linearizable and no entry
// is ever handed to two workers.
package frontier

import (
	"container/heap"
	"regexp"
	"sync"

	"github.com/sitequest/sitequest/internal/crawler"
)

// Config carries the per-job admission constraints.
type Config struct {
	MaxPages   int
	MaxDepth   int
	MaxDomains int
	Include    []*regexp.Regexp
	Exclude    []*regexp.Regexp
}

// Frontier is safe for concurrent use by multiple workers.
type Frontier struct {
	mu       sync.Mutex
	cfg      Config
	heap     entryHeap
	seen     map[string]struct{}
	hosts    map[string]struct{}
	accepted int
	seq      uint64
}

// New creates an empty Frontier.
func New(cfg Config) *Frontier {
	return &Frontier{
		cfg:   cfg,
		seen:  make(map[string]struct{}),
		hosts: make(map[string]struct{}),
	}
}

// Push adds a candidate if its canonicalized URL has not been seen and it
// passes the pattern filters and depth/page/domain budgets. Priority must be
// computed by the caller at push time; entries are never re-ordered later.
// Returns whether the entry was accepted.
func (f *Frontier) Push(entry crawler.FrontierEntry) bool {
	canonical, err := crawler.NormalizeURL(entry.URL)
	if err != nil {
		return false
	}
	host := crawler.Host(canonical)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, dup := f.seen[canonical]; dup {
		return false
	}
	if f.cfg.MaxPages > 0 && f.accepted >= f.cfg.MaxPages {
		return false
	}
	if f.cfg.MaxDepth > 0 && entry.Depth > f.cfg.MaxDepth {
		return false
	}
	if !f.matchesFilters(canonical) {
		return false
	}
	if _, known := f.hosts[host]; !known {
		if f.cfg.MaxDomains > 0 && len(f.hosts) >= f.cfg.MaxDomains {
			return false
		}
		f.hosts[host] = struct{}{}
	}

	// Marking seen at push time is what makes the at-most-once fetch
	// guarantee hold across racing discoveries of the same URL.
	f.seen[canonical] = struct{}{}
	f.accepted++
	f.seq++
	heap.Push(&f.heap, &item{entry: entry, canonical: canonical, seq: f.seq})
	return true
}

// Pop removes and returns the highest-priority pending entry, ties broken by
// FIFO discovery order. The second return value is false when the frontier
// is currently empty.
func (f *Frontier) Pop() (crawler.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heap.Len() == 0 {
		return crawler.FrontierEntry{}, false
	}
	it := heap.Pop(&f.heap).(*item)
	return it.entry, true
}

// Len returns the number of pending entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// Accepted returns the total number of entries ever admitted, including ones
// already consumed. It is the job's pages_found counter.
func (f *Frontier) Accepted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *Frontier) matchesFilters(canonical string) bool {
	for _, re := range f.cfg.Exclude {
		if re.MatchString(canonical) {
			return false
		}
	}
	if len(f.cfg.Include) == 0 {
		return true
	}
	for _, re := range f.cfg.Include {
		if re.MatchString(canonical) {
			return true
		}
	}
	return false
}

type item struct {
	entry     crawler.FrontierEntry
	canonical string
	seq       uint64
}

type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority > h[j].entry.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
