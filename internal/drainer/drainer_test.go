package drainer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KaiSernLim/venice/internal/drainer"
	"github.com/KaiSernLim/venice/internal/spi"
)

type memStorage struct {
	mu   sync.Mutex
	data map[int32]map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[int32]map[string][]byte)}
}

func (m *memStorage) Get(partition int32, key []byte) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[partition][string(key)]
	return v, ok, nil
}

func (m *memStorage) GetStoreVersionState(int32) (*spi.StoreVersionState, error) {
	return &spi.StoreVersionState{}, nil
}

func (m *memStorage) PutStoreVersionState(int32, *spi.StoreVersionState) error {
	return nil
}

func (m *memStorage) Put(partition int32, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[partition] == nil {
		m.data[partition] = make(map[string][]byte)
	}
	m.data[partition][string(key)] = value
	return nil
}

func (m *memStorage) Delete(partition int32, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[partition], string(key))
	return nil
}

var _ spi.StorageEngine = (*memStorage)(nil)

func TestBoundedDrainer_PutAppliesValue(t *testing.T) {
	storage := newMemStorage()
	d := drainer.NewBoundedDrainer(4, 2, storage)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Put(ctx, drainer.Entry{KeyBytes: []byte("k1"), Value: []byte("v1"), Partition: 0}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	d.Close()

	v, ok, _ := storage.Get(0, []byte("k1"))
	if !ok || string(v) != "v1" {
		t.Fatalf("expected v1 applied, got %q ok=%v", v, ok)
	}
}

func TestBoundedDrainer_TombstoneDeletes(t *testing.T) {
	storage := newMemStorage()
	storage.Put(0, []byte("k1"), []byte("v1"))
	d := drainer.NewBoundedDrainer(4, 2, storage)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Put(ctx, drainer.Entry{KeyBytes: []byte("k1"), Tombstone: true, Partition: 0}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	d.Close()

	_, ok, _ := storage.Get(0, []byte("k1"))
	if ok {
		t.Fatal("expected key to be deleted")
	}
}

func TestBoundedDrainer_PutCancelledWhenQueueFullAndNoWorkers(t *testing.T) {
	storage := newMemStorage()
	d := drainer.NewBoundedDrainer(1, 0, storage)
	defer d.Close()

	filled, cancel1 := context.WithTimeout(context.Background(), time.Second)
	defer cancel1()
	if err := d.Put(filled, drainer.Entry{KeyBytes: []byte("a"), Partition: 0}); err != nil {
		t.Fatalf("first put should fill the buffer without blocking: %v", err)
	}

	ctx, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if err := d.Put(ctx, drainer.Entry{KeyBytes: []byte("b"), Partition: 0}); err == nil {
		t.Fatal("expected second put to block until cancellation, got nil error")
	}
}

func TestBoundedDrainer_ManyPartitionsConcurrently(t *testing.T) {
	storage := newMemStorage()
	d := drainer.NewBoundedDrainer(16, 4, storage)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for p := int32(0); p < 8; p++ {
		wg.Add(1)
		go func(p int32) {
			defer wg.Done()
			d.Put(ctx, drainer.Entry{KeyBytes: []byte("k"), Value: []byte("v"), Partition: p})
		}(p)
	}
	wg.Wait()
	d.Close()

	for p := int32(0); p < 8; p++ {
		v, ok, _ := storage.Get(p, []byte("k"))
		if !ok || string(v) != "v" {
			t.Fatalf("partition %d: expected v applied, got %q ok=%v", p, v, ok)
		}
	}
}
