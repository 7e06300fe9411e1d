package pool

import "sync"

// LeakyPool is a bounded free list of reusable objects. Get falls back to
// createFunc when the list is empty and reports when usage crosses the
// configured capacity; Put drops the object once the list is full, calling
// the pre-deref hook first so the owner can release backing resources.
// Safe for concurrent use.
type LeakyPool struct {
	mu          sync.Mutex
	free        []interface{}
	createFunc  func() interface{}
	preDrefHook func(obj interface{})
	capacity    int
	usage       int
}

func NewLeakyPool(capacity int, createFunc func() interface{}) *LeakyPool {
	return &LeakyPool{
		free:       make([]interface{}, 0, capacity),
		capacity:   capacity,
		createFunc: createFunc,
	}
}

// RegisterPreDrefHook installs the hook run on objects the pool drops.
func (p *LeakyPool) RegisterPreDrefHook(hook func(obj interface{})) {
	p.mu.Lock()
	p.preDrefHook = hook
	p.mu.Unlock()
}

// Get returns a pooled or freshly created object. crossBound is true when
// the number of objects in use exceeds the pool capacity.
func (p *LeakyPool) Get() (obj interface{}, crossBound bool) {
	p.mu.Lock()
	p.usage++
	crossBound = p.usage > p.capacity
	if n := len(p.free); n > 0 {
		obj = p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return obj, crossBound
	}
	p.mu.Unlock()
	return p.createFunc(), crossBound
}

// Put returns an object to the pool, dropping it if the pool is full.
func (p *LeakyPool) Put(obj interface{}) {
	p.mu.Lock()
	p.usage--
	if len(p.free) == p.capacity {
		hook := p.preDrefHook
		p.mu.Unlock()
		if hook != nil {
			hook(obj)
		}
		return
	}
	p.free = append(p.free, obj)
	p.mu.Unlock()
}

// Drain empties the free list, running the pre-deref hook on every idle
// object. Objects still handed out are unaffected.
func (p *LeakyPool) Drain() {
	p.mu.Lock()
	idle := p.free
	p.free = make([]interface{}, 0, p.capacity)
	hook := p.preDrefHook
	p.mu.Unlock()
	if hook != nil {
		for _, obj := range idle {
			hook(obj)
		}
	}
}

// InUse returns the number of objects currently handed out.
func (p *LeakyPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}
