// Package fsutil is the filesystem seam shared by the frame store and the
// conversion runner. OSFileSystem is used in production; MemoryFileSystem
// lets sequence discovery and output staging run in tests without disk.
package fsutil

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileSystem is the subset of os used by splatseq.
type FileSystem interface {
	Open(name string) (fs.File, error)
	Create(name string) (io.WriteCloser, error)
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm os.FileMode) error
	// ReadDir returns entries sorted by name.
	ReadDir(name string) ([]fs.DirEntry, error)
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	// Rename moves a file, or a directory with its contents.
	Rename(oldpath, newpath string) error
	// Remove deletes a file or an empty directory.
	Remove(name string) error
	RemoveAll(path string) error
	Exists(name string) bool
}

// OSFileSystem implements FileSystem with the os package.
type OSFileSystem struct{}

var _ FileSystem = OSFileSystem{}

func (OSFileSystem) Open(name string) (fs.File, error)          { return os.Open(name) }
func (OSFileSystem) Create(name string) (io.WriteCloser, error) { return os.Create(name) }
func (OSFileSystem) ReadFile(name string) ([]byte, error)       { return os.ReadFile(name) }
func (OSFileSystem) ReadDir(name string) ([]fs.DirEntry, error) { return os.ReadDir(name) }
func (OSFileSystem) Stat(name string) (fs.FileInfo, error)      { return os.Stat(name) }
func (OSFileSystem) Rename(oldpath, newpath string) error       { return os.Rename(oldpath, newpath) }
func (OSFileSystem) Remove(name string) error                   { return os.Remove(name) }
func (OSFileSystem) RemoveAll(path string) error                { return os.RemoveAll(path) }

func (OSFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (OSFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Exists reports whether name can be stat'ed.
func (OSFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// node is a file or directory in a MemoryFileSystem.
type node struct {
	dir  bool
	data []byte
	mode os.FileMode
}

func (n *node) info(name string) *memInfo {
	return &memInfo{name: filepath.Base(name), size: int64(len(n.data)), mode: n.mode, dir: n.dir}
}

// MemoryFileSystem is an in-memory FileSystem. Paths are cleaned before
// use, and writing a file creates its parent directories.
type MemoryFileSystem struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

var _ FileSystem = (*MemoryFileSystem)(nil)

// NewMemoryFileSystem returns an empty filesystem.
func NewMemoryFileSystem() *MemoryFileSystem {
	return &MemoryFileSystem{nodes: make(map[string]*node)}
}

func notExist(op, path string) error {
	return &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
}

// subtree reports whether name is root or lies below it.
func subtree(name, root string) bool {
	sep := string(filepath.Separator)
	return name == root || strings.HasPrefix(name, strings.TrimSuffix(root, sep)+sep)
}

// mkdirsLocked creates dir and all of its ancestors.
func (m *MemoryFileSystem) mkdirsLocked(dir string) {
	for {
		if n, ok := m.nodes[dir]; ok && n.dir {
			return
		}
		m.nodes[dir] = &node{dir: true, mode: fs.ModeDir | 0o755}
		parent := filepath.Dir(dir)
		if parent == dir || parent == "." {
			return
		}
		dir = parent
	}
}

func (m *MemoryFileSystem) putLocked(name string, data []byte, perm os.FileMode) {
	m.mkdirsLocked(filepath.Dir(name))
	m.nodes[name] = &node{data: data, mode: perm}
}

func (m *MemoryFileSystem) file(op, name string) (*node, error) {
	n, ok := m.nodes[name]
	if !ok || n.dir {
		return nil, notExist(op, name)
	}
	return n, nil
}

func (m *MemoryFileSystem) Open(name string) (fs.File, error) {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.file("open", name)
	if err != nil {
		return nil, err
	}
	return &memReader{Reader: bytes.NewReader(n.data), info: n.info(name)}, nil
}

// Create truncates name; the written bytes land on Close.
func (m *MemoryFileSystem) Create(name string) (io.WriteCloser, error) {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(name, nil, 0o644)
	return &memWriter{fs: m, name: name}, nil
}

func (m *MemoryFileSystem) ReadFile(name string) ([]byte, error) {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, err := m.file("read", name)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(n.data), nil
}

func (m *MemoryFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(name, bytes.Clone(data), perm)
	return nil
}

func (m *MemoryFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nodes[name]; !ok || !n.dir {
		return nil, notExist("readdir", name)
	}
	var entries []fs.DirEntry
	for p, n := range m.nodes {
		if p != name && filepath.Dir(p) == name {
			entries = append(entries, fs.FileInfoToDirEntry(n.info(p)))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

func (m *MemoryFileSystem) Stat(name string) (fs.FileInfo, error) {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, notExist("stat", name)
	}
	return n.info(name), nil
}

func (m *MemoryFileSystem) MkdirAll(path string, _ os.FileMode) error {
	path = filepath.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mkdirsLocked(path)
	return nil
}

func (m *MemoryFileSystem) Rename(oldpath, newpath string) error {
	oldpath, newpath = filepath.Clean(oldpath), filepath.Clean(newpath)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[oldpath]; !ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrNotExist}
	}
	moved := make(map[string]*node)
	for p, n := range m.nodes {
		if subtree(p, oldpath) {
			moved[newpath+strings.TrimPrefix(p, oldpath)] = n
			delete(m.nodes, p)
		}
	}
	m.mkdirsLocked(filepath.Dir(newpath))
	for p, n := range moved {
		m.nodes[p] = n
	}
	return nil
}

func (m *MemoryFileSystem) Remove(name string) error {
	name = filepath.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; !ok {
		return notExist("remove", name)
	}
	delete(m.nodes, name)
	return nil
}

func (m *MemoryFileSystem) RemoveAll(path string) error {
	path = filepath.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.nodes {
		if subtree(p, path) {
			delete(m.nodes, p)
		}
	}
	return nil
}

func (m *MemoryFileSystem) Exists(name string) bool {
	name = filepath.Clean(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[name]
	return ok
}

type memReader struct {
	*bytes.Reader
	info *memInfo
}

func (r *memReader) Stat() (fs.FileInfo, error) { return r.info, nil }
func (r *memReader) Close() error               { return nil }

type memWriter struct {
	fs   *MemoryFileSystem
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *memWriter) Close() error {
	w.fs.mu.Lock()
	defer w.fs.mu.Unlock()
	w.fs.putLocked(w.name, w.buf.Bytes(), 0o644)
	return nil
}

type memInfo struct {
	name string
	size int64
	mode os.FileMode
	dir  bool
}

func (i *memInfo) Name() string       { return i.name }
func (i *memInfo) Size() int64        { return i.size }
func (i *memInfo) Mode() os.FileMode  { return i.mode }
func (i *memInfo) ModTime() time.Time { return time.Time{} }
func (i *memInfo) IsDir() bool        { return i.dir }
func (i *memInfo) Sys() any           { return nil }
