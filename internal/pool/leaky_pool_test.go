package pool

import (
	"sync"
	"testing"
)

func TestGetCreatesWhenEmpty(t *testing.T) {
	created := 0
	p := NewLeakyPool(2, func() interface{} {
		created++
		return created
	})

	obj, crossBound := p.Get()
	if obj.(int) != 1 {
		t.Errorf("Expected first created object, got %v", obj)
	}
	if crossBound {
		t.Errorf("Expected no bound crossing on first Get")
	}
}

func TestPutThenGetReusesObject(t *testing.T) {
	created := 0
	p := NewLeakyPool(2, func() interface{} {
		created++
		return created
	})

	obj, _ := p.Get()
	p.Put(obj)
	again, _ := p.Get()
	if again != obj {
		t.Errorf("Expected pooled object %v, got %v", obj, again)
	}
	if created != 1 {
		t.Errorf("Expected a single creation, got %d", created)
	}
}

func TestCrossBoundReported(t *testing.T) {
	p := NewLeakyPool(1, func() interface{} { return struct{}{} })

	if _, crossBound := p.Get(); crossBound {
		t.Errorf("First Get should stay within bound")
	}
	if _, crossBound := p.Get(); !crossBound {
		t.Errorf("Second Get should cross the bound")
	}
}

func TestPreDrefHookRunsOnOverflow(t *testing.T) {
	dropped := 0
	p := NewLeakyPool(1, func() interface{} { return new(int) })
	p.RegisterPreDrefHook(func(obj interface{}) {
		dropped++
	})

	a, _ := p.Get()
	b, _ := p.Get()
	p.Put(a)
	p.Put(b) // free list already full, b must be dropped
	if dropped != 1 {
		t.Errorf("Expected 1 dropped object, got %d", dropped)
	}
}

func TestConcurrentGetPut(t *testing.T) {
	p := NewLeakyPool(4, func() interface{} { return new(int) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				obj, _ := p.Get()
				p.Put(obj)
			}
		}()
	}
	wg.Wait()

	if p.InUse() != 0 {
		t.Errorf("Expected no objects in use after drain, got %d", p.InUse())
	}
}
