package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/web3"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version int      `json:"version"`
	Agents  []Record `json:"agents"`
}

// FileBackend 将全部代理保存在一个 JSON 文件中。
// 写入先落到同目录临时文件并 fsync，再原子 rename 覆盖。
type FileBackend struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

// NewFileBackend 打开或新建代理文件。
func NewFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "credential file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create credential directory")
	}
	b := &FileBackend{path: path, records: make(map[string]Record)}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) load() error {
	content, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "read credential file")
	}
	var doc fileDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "parse credential file")
	}
	for _, rec := range doc.Agents {
		b.records[rec.ID] = rec
	}
	return nil
}

// persist 写出 next 的全部内容；只有成功后调用方才替换内存状态。
func (b *FileBackend) persist(next map[string]Record) error {
	doc := fileDocument{Version: fileFormatVersion, Agents: make([]Record, 0, len(next))}
	for _, rec := range next {
		doc.Agents = append(doc.Agents, rec)
	}
	sort.Slice(doc.Agents, func(i, j int) bool { return doc.Agents[i].ID < doc.Agents[j].ID })

	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode credential file")
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".agents-*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create temp credential file")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "chmod temp credential file")
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write temp credential file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "sync temp credential file")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "close temp credential file")
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		cleanup()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "replace credential file")
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func (b *FileBackend) cloneLocked() map[string]Record {
	next := make(map[string]Record, len(b.records)+1)
	for k, v := range b.records {
		next[k] = v
	}
	return next
}

func (b *FileBackend) Insert(_ context.Context, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.records[rec.ID]; exists {
		return ErrDuplicateID
	}
	next := b.cloneLocked()
	next[rec.ID] = rec
	if err := b.persist(next); err != nil {
		return err
	}
	b.records = next
	return nil
}

func (b *FileBackend) Get(_ context.Context, id string) (Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (b *FileBackend) UpdateNetwork(_ context.Context, id string, network web3.Network, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Network = network
	rec.UpdatedAt = at
	next := b.cloneLocked()
	next[id] = rec
	if err := b.persist(next); err != nil {
		return err
	}
	b.records = next
	return nil
}

func (b *FileBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[id]; !ok {
		return ErrNotFound
	}
	next := b.cloneLocked()
	delete(next, id)
	if err := b.persist(next); err != nil {
		return err
	}
	b.records = next
	return nil
}

func (b *FileBackend) List(_ context.Context) ([]Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec)
	}
	return out, nil
}

func (b *FileBackend) Close() error { return nil }

// String 避免打印内部记录。
func (b *FileBackend) String() string {
	return fmt.Sprintf("file(%s)", b.path)
}
