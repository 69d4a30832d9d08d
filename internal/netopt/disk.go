package netopt

import (
	"bytes"
	"encoding/gob"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

const (
	diskEntryPrefix = "e:"
	diskMetaPrefix  = "m:"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	putKey      string
	putEnt      *CacheEntry
	delKey      string
	clearPrefix *string
	synced      chan struct{}
}

// diskCache persists cache entries in LevelDB. All writes go through a single
// writer goroutine; reads hit LevelDB directly. Writes queued after close are
// dropped.
type diskCache struct {
	maxBytes int64
	log      *zap.Logger

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	ops  chan diskOp
	done chan struct{}

	opsMu  sync.RWMutex
	closed bool
}

func openDiskCache(path string, maxBytes int64, log *zap.Logger) (*diskCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	d := &diskCache{
		maxBytes: maxBytes,
		log:      log,
		db:       db,
		index:    map[string]diskMeta{},
		ops:      make(chan diskOp, 1024),
		done:     make(chan struct{}),
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() {
	d.opsMu.Lock()
	if d.closed {
		d.opsMu.Unlock()
		return
	}
	d.closed = true
	close(d.ops)
	d.opsMu.Unlock()

	<-d.done
	_ = d.db.Close()
}

// send queues op for the writer. It reports false once the tier is closed.
func (d *diskCache) send(op diskOp) bool {
	d.opsMu.RLock()
	defer d.opsMu.RUnlock()
	if d.closed {
		return false
	}
	d.ops <- op
	return true
}

// sync blocks until every operation queued before it has been applied.
func (d *diskCache) sync() {
	ch := make(chan struct{})
	if d.send(diskOp{synced: ch}) {
		<-ch
	}
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(diskMetaPrefix)), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte(diskMetaPrefix)))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *diskCache) Get(key string) (CacheEntry, bool) {
	b, err := d.db.Get([]byte(diskEntryPrefix+key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	return ent, true
}

func (d *diskCache) PutAsync(key string, ent CacheEntry) {
	clone := ent
	d.send(diskOp{putKey: key, putEnt: &clone})
}

func (d *diskCache) Delete(key string) {
	d.send(diskOp{delKey: key})
}

func (d *diskCache) Clear(prefix string) {
	d.send(diskOp{clearPrefix: &prefix})
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	for op := range d.ops {
		switch {
		case op.synced != nil:
			close(op.synced)
		case op.clearPrefix != nil:
			d.applyClear(*op.clearPrefix)
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.putKey != "" && op.putEnt != nil:
			d.applyPut(op.putKey, *op.putEnt)
		}
	}
}

func (d *diskCache) applyPut(key string, ent CacheEntry) {
	b, err := encodeGob(ent)
	if err != nil {
		d.log.Warn("disk cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	size := int64(len(b))

	d.mu.Lock()
	old := d.index[key]
	d.totalSize -= old.Size
	meta := diskMeta{Size: size, LastAccess: time.Now().Unix()}
	d.index[key] = meta
	d.totalSize += size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	batch := new(leveldb.Batch)
	batch.Put([]byte(diskEntryPrefix+key), b)
	mb, _ := encodeGob(meta)
	batch.Put([]byte(diskMetaPrefix+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.log.Warn("disk cache write failed", zap.String("key", key), zap.Error(err))
		return
	}

	if over {
		d.evictSome()
	}
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(diskEntryPrefix + key))
	batch.Delete([]byte(diskMetaPrefix + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

func (d *diskCache) applyClear(prefix string) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.index))
	for k := range d.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.applyDelete(k)
	}
}

// evictSome drops the least recently accessed tenth of the tier.
func (d *diskCache) evictSome() {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
	d.log.Debug("disk cache evicted", zap.Int("entries", n), zap.Int64("max_bytes", d.maxBytes))
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
