//go:build linux
// +build linux

package allocator

import (
	"github.com/keystonekv/blockfs/internal/pool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Page is a block-aligned scratch buffer backed by an anonymous mapping.
// mmap always returns page-aligned memory, which satisfies the alignment
// requirement of O_DIRECT transfers for any power-of-two block size up to
// the OS page size.
type Page struct {
	Buf  []byte
	mmap []byte
}

func NewAlignedPage(pageSize int) (*Page, error) {
	b, err := unix.Mmap(-1, 0, pageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return &Page{
		Buf:  b,
		mmap: b,
	}, nil
}

func Unmap(p *Page) error {
	if p.mmap != nil {
		if err := unix.Munmap(p.mmap); err != nil {
			return err
		}
	}
	p.Buf = nil
	p.mmap = nil
	return nil
}

// AlignedPageAllocatorConfig sizes the scratch pages handed out for direct
// I/O: each page spans BlocksPerPage blocks of BlockSize bytes. MaxPages
// bounds how many idle pages stay mapped.
type AlignedPageAllocatorConfig struct {
	BlockSize     int64
	BlocksPerPage int
	MaxPages      int
}

type AlignedPageAllocator struct {
	config AlignedPageAllocatorConfig
	pool   *pool.LeakyPool
}

func NewAlignedPageAllocator(config AlignedPageAllocatorConfig) *AlignedPageAllocator {
	newFunc := func() interface{} {
		p, err := NewAlignedPage(int(config.BlockSize) * config.BlocksPerPage)
		if err != nil {
			log.Panic().Err(err).Msg("AlignedPageAllocator: mmap failed")
		}
		return p
	}
	pl := pool.NewLeakyPool(config.MaxPages, newFunc)
	pl.RegisterPreDrefHook(func(obj interface{}) {
		Unmap(obj.(*Page))
	})
	return &AlignedPageAllocator{config: config, pool: pl}
}

// PageSize returns the byte length of every page this allocator hands out.
func (a *AlignedPageAllocator) PageSize() int64 {
	return a.config.BlockSize * int64(a.config.BlocksPerPage)
}

func (a *AlignedPageAllocator) Get() *Page {
	page, crossBound := a.pool.Get()
	if crossBound {
		log.Warn().Msg("AlignedPageAllocator: crossed bound")
	}
	return page.(*Page)
}

func (a *AlignedPageAllocator) Put(p *Page) {
	a.pool.Put(p)
}

// Release unmaps every idle page. The caller must have returned all pages
// before releasing.
func (a *AlignedPageAllocator) Release() {
	a.pool.Drain()
}
