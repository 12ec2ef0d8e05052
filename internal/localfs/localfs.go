package localfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

const maxNameBytes = 255

var (
	// ErrSizeMismatch is returned by FinishReceive when the written byte count
	// differs from the announced size.
	ErrSizeMismatch = errors.New("localfs: received size does not match announced size")
	// ErrOverflow is returned by AppendChunk when a chunk would exceed the announced size.
	ErrOverflow = errors.New("localfs: chunk exceeds announced size")
	ErrClosed   = errors.New("localfs: receive handle closed")
)

// FileInfo describes a local file offered for sending.
type FileInfo struct {
	Name string
	Size int64
}

// Stat returns the base name and size of a regular file.
func Stat(path string) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	if !info.Mode().IsRegular() {
		return FileInfo{}, fmt.Errorf("%s is not a regular file", path)
	}
	return FileInfo{Name: filepath.Base(path), Size: info.Size()}, nil
}

// Reader reads fixed chunks from one file. It keeps the descriptor open across reads.
type Reader struct {
	f    *os.File
	size int64
}

func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Reader{f: f, size: info.Size()}, nil
}

func (r *Reader) Size() int64 { return r.size }

// ReadChunk reads up to len(buf) bytes at offset. A short read only happens at EOF.
func (r *Reader) ReadChunk(offset int64, buf []byte) (int, error) {
	n, err := r.f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) && n > 0 {
		return n, nil
	}
	return n, err
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadChunk opens path and reads length bytes at offset.
func ReadChunk(path string, offset int64, length int) ([]byte, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, length)
	n, err := r.ReadChunk(offset, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Receive is an in-progress inbound file. Data goes to a .part file that is
// renamed into place by Finish.
type Receive struct {
	mu        sync.Mutex
	name      string
	requested string
	finalPath string
	partPath  string
	size      int64
	written   int64
	f         *os.File
	closed    bool
}

// StartReceive creates the output for a file of the announced size in dir.
func StartReceive(name string, size int64, dir string) (*Receive, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	clean := SanitizeName(name)
	finalPath, err := uniquePath(dir, clean, "")
	if err != nil {
		return nil, err
	}
	partPath := finalPath + ".part"
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create part file: %w", err)
	}
	return &Receive{
		name:      filepath.Base(finalPath),
		requested: clean,
		finalPath: finalPath,
		partPath:  partPath,
		size:      size,
		f:         f,
	}, nil
}

func (r *Receive) Name() string { return r.name }
func (r *Receive) Path() string { return r.finalPath }
func (r *Receive) Size() int64  { return r.size }

func (r *Receive) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Append writes the next chunk at the end of the output.
func (r *Receive) Append(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.written+int64(len(chunk)) > r.size {
		return ErrOverflow
	}
	n, err := r.f.Write(chunk)
	r.written += int64(n)
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// Finish syncs, closes and renames the output. A size mismatch aborts instead.
func (r *Receive) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.written != r.size {
		r.abortLocked()
		return fmt.Errorf("%w: got %d of %d bytes", ErrSizeMismatch, r.written, r.size)
	}
	r.closed = true
	if err := r.f.Sync(); err != nil {
		_ = r.f.Close()
		_ = os.Remove(r.partPath)
		return fmt.Errorf("sync part file: %w", err)
	}
	if err := r.f.Close(); err != nil {
		_ = os.Remove(r.partPath)
		return fmt.Errorf("close part file: %w", err)
	}
	finalPath := r.finalPath
	if exists(finalPath) {
		// Something took the name while receiving.
		var err error
		finalPath, err = uniquePath(filepath.Dir(r.finalPath), r.requested, r.partPath)
		if err != nil {
			_ = os.Remove(r.partPath)
			return err
		}
	}
	if err := os.Rename(r.partPath, finalPath); err != nil {
		_ = os.Remove(r.partPath)
		return fmt.Errorf("rename part file: %w", err)
	}
	r.finalPath = finalPath
	r.name = filepath.Base(finalPath)
	return nil
}

// Abort closes and removes the partial output. It is safe to call more than once.
func (r *Receive) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.abortLocked()
}

func (r *Receive) abortLocked() {
	if r.closed {
		return
	}
	r.closed = true
	_ = r.f.Close()
	_ = os.Remove(r.partPath)
}

// SanitizeName reduces an announced name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		switch r {
		case '<', '>', ':', '"', '|', '?', '*':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		name = "file"
	}
	return truncateName(name, maxNameBytes-len(".part")-len(" (999)"))
}

func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > limit/2 {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	budget := limit - len(ext)
	for len(stem) > budget {
		_, size := utf8.DecodeLastRuneInString(stem)
		stem = stem[:len(stem)-size]
	}
	return stem + ext
}

// uniquePath picks a free name in dir. A .part file equal to own does not
// count as taken.
func uniquePath(dir, name, own string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		if exists(path) || (path+".part" != own && exists(path+".part")) {
			continue
		}
		return path, nil
	}
	return "", fmt.Errorf("no free name for %q in %s", name, dir)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
