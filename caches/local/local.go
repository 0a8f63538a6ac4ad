package local

import (
	"context"
	"slices"
	"sync"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// BasicStorage keeps every cache store in memory.
type BasicStorage struct {
	stores map[string]*BasicCache
	order  []string

	lock sync.RWMutex
}

// BasicCache is a single in-memory cache store.
type BasicCache struct {
	cache map[string]*offlinecache.Entry

	lock sync.RWMutex
}

func (bc *BasicCache) Match(_ context.Context, key string) (*offlinecache.Entry, error) {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	val, found := bc.cache[key]
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	return val, nil
}

func (bc *BasicCache) Put(_ context.Context, key string, item *offlinecache.Entry) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	bc.cache[key] = item

	return nil
}

// Len returns the number of entries in the store.
func (bc *BasicCache) Len() int {
	bc.lock.RLock()
	defer bc.lock.RUnlock()

	return len(bc.cache)
}

func (bs *BasicStorage) Open(_ context.Context, name string) (offlinecache.Store, error) {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	if c, ok := bs.stores[name]; ok {
		return c, nil
	}

	c := &BasicCache{cache: make(map[string]*offlinecache.Entry)}
	bs.stores[name] = c
	bs.order = append(bs.order, name)

	return c, nil
}

func (bs *BasicStorage) Delete(_ context.Context, name string) (bool, error) {
	bs.lock.Lock()
	defer bs.lock.Unlock()

	if _, ok := bs.stores[name]; !ok {
		return false, nil
	}

	delete(bs.stores, name)
	bs.order = slices.DeleteFunc(bs.order, func(n string) bool { return n == name })

	return true, nil
}

func (bs *BasicStorage) Keys(_ context.Context) ([]string, error) {
	bs.lock.RLock()
	defer bs.lock.RUnlock()

	return slices.Clone(bs.order), nil
}

func (bs *BasicStorage) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	bs.lock.RLock()
	defer bs.lock.RUnlock()

	for _, name := range bs.order {
		if item, err := bs.stores[name].Match(ctx, key); err == nil {
			return item, nil
		}
	}

	return nil, caches.ErrNoCacheItem
}

func NewBasicStorage() *BasicStorage {
	return &BasicStorage{
		stores: make(map[string]*BasicCache),
	}
}
