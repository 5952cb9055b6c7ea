package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileStorage is the default Storage collaborator: a write-ahead log for
// durability plus snapshots to bound recovery time (written only when
// Snapshot is called; FileStorage does not schedule them), adapted from
// the teacher's store.Store/WAL pair (which folded persistence and the
// in-memory index into one type). Here persistence is split out behind the
// Storage interface so the in-memory Store (store.go) never has to know
// whether it is backed by a file, an embedded database, or a test double.
//
// On-disk layout matches the "store" and "log" namespaces described in
// spec.md §6: snapshot.json holds the last full snapshot, wal.log holds
// every mutation since.
type FileStorage struct {
	mu       sync.Mutex
	dataDir  string
	wal      *os.File
	snapshot map[string][]byte
	log      *logrus.Entry
}

type walOp string

const (
	walOpPut walOp = "PUT"
	walOpDel walOp = "DEL"
)

type walEntry struct {
	Op   walOp  `json:"op"`
	Path string `json:"path"`
	Data []byte `json:"data,omitempty"`
}

// NewFileStorage opens or creates a FileStorage rooted at dataDir, replaying
// any existing snapshot and WAL to rebuild its view.
func NewFileStorage(dataDir string) (*FileStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrStorage, err)
	}

	fs := &FileStorage{
		dataDir:  dataDir,
		snapshot: make(map[string][]byte),
		log:      logrus.WithField("component", "fsstore"),
	}

	if err := fs.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("%w: load snapshot: %v", ErrStorage, err)
	}

	walFile, err := os.OpenFile(filepath.Join(dataDir, "wal.log"), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal: %v", ErrStorage, err)
	}
	fs.wal = walFile

	if err := fs.replayWAL(); err != nil {
		return nil, fmt.Errorf("%w: replay wal: %v", ErrStorage, err)
	}

	return fs, nil
}

// Get implements Storage.
func (fs *FileStorage) Get(path string) ([]byte, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.snapshot[path]
	return data, ok, nil
}

// Put implements Storage. The entry is appended to the WAL and fsynced
// before this call returns, then applied to the in-memory snapshot view —
// WAL-first, exactly like the teacher's Store.Put.
func (fs *FileStorage) Put(path string, data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.appendLocked(walEntry{Op: walOpPut, Path: path, Data: data}); err != nil {
		return fmt.Errorf("%w: wal append: %v", ErrStorage, err)
	}
	fs.snapshot[path] = data
	return nil
}

// Del implements Storage.
func (fs *FileStorage) Del(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.appendLocked(walEntry{Op: walOpDel, Path: path}); err != nil {
		return fmt.Errorf("%w: wal append: %v", ErrStorage, err)
	}
	delete(fs.snapshot, path)
	return nil
}

// Scan implements Storage.
func (fs *FileStorage) Scan() ([]StorageEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries := make([]StorageEntry, 0, len(fs.snapshot))
	for path, data := range fs.snapshot {
		entries = append(entries, StorageEntry{Path: path, Data: data})
	}
	return entries, nil
}

// Close implements Storage.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.wal == nil {
		return nil
	}
	err := fs.wal.Close()
	fs.wal = nil
	return err
}

// Snapshot writes the full in-memory view to snapshot.json via an
// atomic rename, then truncates the WAL — mirrors the teacher's
// Store.Snapshot, generalized to raw bytes instead of typed Values.
func (fs *FileStorage) Snapshot() error {
	fs.mu.Lock()
	view := make(map[string][]byte, len(fs.snapshot))
	for k, v := range fs.snapshot {
		view[k] = v
	}
	fs.mu.Unlock()

	path := filepath.Join(fs.dataDir, "snapshot.json")
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(view); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.wal.Truncate(0); err != nil {
		return err
	}
	_, err = fs.wal.Seek(0, 0)
	return err
}

func (fs *FileStorage) appendLocked(entry walEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := fs.wal.Write(data); err != nil {
		return err
	}
	return fs.wal.Sync()
}

func (fs *FileStorage) loadSnapshot() error {
	path := filepath.Join(fs.dataDir, "snapshot.json")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var view map[string][]byte
	if err := json.NewDecoder(f).Decode(&view); err != nil {
		return err
	}
	fs.snapshot = view
	return nil
}

func (fs *FileStorage) replayWAL() error {
	if _, err := fs.wal.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(fs.wal)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			fs.log.WithError(err).Warn("skipping corrupt wal entry")
			continue
		}
		switch e.Op {
		case walOpPut:
			fs.snapshot[e.Path] = e.Data
		case walOpDel:
			delete(fs.snapshot, e.Path)
		}
	}
	if _, err := fs.wal.Seek(0, 2); err != nil {
		return err
	}
	return scanner.Err()
}
