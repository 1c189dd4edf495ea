package vm

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/nucleus-os/nucleus/metadata"
)

// CompileCache is the persistent warm-start store. Generated code is
// position-dependent and never survives a restart, so the cache records
// which methods were compiled rather than their bytes; WarmStart
// recompiles that set up front instead of paying first-call latency.
type CompileCache struct {
	db *sql.DB
	mu sync.Mutex
}

type cacheRecord struct {
	Name      string    `cbor:"1,keyasint"`
	CodeBytes int       `cbor:"2,keyasint"`
	FrameSize int       `cbor:"3,keyasint"`
	Recorded  time.Time `cbor:"4,keyasint"`
	BodySum   []byte    `cbor:"5,keyasint"`
}

// bodyChecksum hashes the raw body blob of a non-generic method so a
// stale cache entry detects a rebuilt module even when the token still
// resolves.
func bodyChecksum(m *MethodDescriptor) []byte {
	if m.Module == nil || m.Token == 0 {
		return nil
	}
	row, err := m.Module.Method(m.Token)
	if err != nil || row.Body == 0 {
		return nil
	}
	blob, err := m.Module.Blob(row.Body)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(blob)
	return sum[:]
}

// OpenCompileCache opens or creates the cache database at path.
func OpenCompileCache(path string) (*CompileCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS compiled (
		module TEXT NOT NULL,
		token  INTEGER NOT NULL,
		info   BLOB NOT NULL,
		PRIMARY KEY (module, token)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache table: %w", err)
	}
	return &CompileCache{db: db}, nil
}

// Close closes the database connection.
func (c *CompileCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Record notes that a method was compiled. Methods without a stable
// metadata identity (generic instantiations carry a binding the token
// alone cannot reproduce) are skipped.
func (c *CompileCache) Record(m *MethodDescriptor, cm *CompiledMethod) error {
	if m.Module == nil || m.Token == 0 {
		return nil
	}
	info, err := cbor.Marshal(cacheRecord{
		Name:      m.FullName(),
		CodeBytes: cm.Size,
		FrameSize: cm.FrameSize,
		Recorded:  time.Now(),
		BodySum:   bodyChecksum(m),
	})
	if err != nil {
		return fmt.Errorf("encoding cache record: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		"INSERT OR REPLACE INTO compiled (module, token, info) VALUES (?, ?, ?)",
		m.Module.Name, uint32(m.Token), info,
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", m.FullName(), err)
	}
	return nil
}

// CacheEntry describes one recorded method for cache maintenance tools.
type CacheEntry struct {
	Module    string
	Token     uint32
	Name      string
	CodeBytes int
	FrameSize int
	Recorded  time.Time
}

// Entries lists every recorded method, ordered by module and token.
func (c *CompileCache) Entries() ([]CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.db.Query("SELECT module, token, info FROM compiled ORDER BY module, token")
	if err != nil {
		return nil, fmt.Errorf("querying cache entries: %w", err)
	}
	defer rows.Close()
	var entries []CacheEntry
	for rows.Next() {
		var e CacheEntry
		var info []byte
		if err := rows.Scan(&e.Module, &e.Token, &info); err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		var rec cacheRecord
		if err := cbor.Unmarshal(info, &rec); err != nil {
			return nil, fmt.Errorf("decoding cache record for %s token 0x%08X: %w", e.Module, e.Token, err)
		}
		e.Name = rec.Name
		e.CodeBytes = rec.CodeBytes
		e.FrameSize = rec.FrameSize
		e.Recorded = rec.Recorded
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear drops every recorded method.
func (c *CompileCache) Clear() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.db.Exec("DELETE FROM compiled")
	if err != nil {
		return 0, fmt.Errorf("clearing cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type warmEntry struct {
	Module  string
	Token   uint32
	BodySum []byte
}

func (c *CompileCache) warmSet() ([]warmEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, err := c.db.Query("SELECT module, token, info FROM compiled")
	if err != nil {
		return nil, fmt.Errorf("querying warm set: %w", err)
	}
	defer rows.Close()
	var set []warmEntry
	for rows.Next() {
		var e warmEntry
		var info []byte
		if err := rows.Scan(&e.Module, &e.Token, &info); err != nil {
			return nil, fmt.Errorf("scanning warm set: %w", err)
		}
		var rec cacheRecord
		if err := cbor.Unmarshal(info, &rec); err == nil {
			e.BodySum = rec.BodySum
		}
		set = append(set, e)
	}
	return set, rows.Err()
}

// drop removes one entry.
func (c *CompileCache) drop(module string, token uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db.Exec("DELETE FROM compiled WHERE module = ? AND token = ?", module, token)
}

// WarmStart compiles every method the cache remembers from earlier
// runs. Entries whose module is absent or whose token no longer
// resolves are skipped; a module rebuild invalidates them naturally.
// It returns the number of methods compiled.
func (vm *VM) WarmStart() (int, error) {
	if vm.cache == nil {
		return 0, nil
	}
	set, err := vm.cache.warmSet()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range set {
		img, ok := vm.Registry.Lookup(e.Module)
		if !ok {
			continue
		}
		m, err := vm.Types.ResolveMethodToken(img, metadata.Token(e.Token), nil)
		if err != nil {
			jitLog.Debugf("warm start skipping %s token 0x%08X: %v", e.Module, e.Token, err)
			continue
		}
		if sum := bodyChecksum(m); len(e.BodySum) > 0 && !bytes.Equal(sum, e.BodySum) {
			jitLog.Debugf("warm start invalidating %s: body changed", m.FullName())
			vm.cache.drop(e.Module, e.Token)
			continue
		}
		if _, err := vm.ensureCompiled(m); err != nil {
			jitLog.Warningf("warm start compile failed for %s: %v", m.FullName(), err)
			continue
		}
		n++
	}
	if n > 0 {
		jitLog.Infof("warm start compiled %d methods", n)
	}
	return n, nil
}
