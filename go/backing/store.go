// Package backing keeps the on-disk files behind cloneable areas.
package backing

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/areacorn/go/models"
	"github.com/lunixbochs/areacorn/go/models/idtable"
)

// Ref names an opened backing file.
type Ref int

type handle struct {
	file     *os.File
	path     string
	writable bool
}

// Store creates, opens and clones shared backing files. A file is unlinked
// once the last reference to its path is closed.
type Store struct {
	// MaxRefs caps the number of open references, 0 means no limit.
	MaxRefs int

	dir string
	log *zap.Logger

	mu    sync.Mutex
	refs  *idtable.Table[handle]
	users map[string]int
}

func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating backing dir %s", dir)
	}
	return &Store{
		dir:   dir,
		log:   log,
		refs:  idtable.New[handle](),
		users: make(map[string]int),
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) newPath(name string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r < ' ' {
			return '_'
		}
		return r
	}, name)
	if len(clean) > 64 {
		clean = clean[:64]
	}
	return filepath.Join(s.dir, clean+"-"+uuid.NewString())
}

// CreateSharedFile makes a zero filled file of size bytes.
func (s *Store) CreateSharedFile(name string, size uint64) (string, error) {
	path := s.newPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", errors.Wrapf(models.ErrNoMemory, "creating %s: %v", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(path)
		return "", errors.Wrapf(models.ErrNoMemory, "sizing %s: %v", path, err)
	}
	s.log.Debug("created backing file", zap.String("path", path), zap.Uint64("size", size))
	return path, nil
}

// OpenSharedFile opens a file made by this store.
func (s *Store) OpenSharedFile(path string, writable bool) (Ref, error) {
	if s.MaxRefs > 0 && s.Refs() >= s.MaxRefs {
		return 0, errors.Wrapf(models.ErrNoMemory, "opening %s: %d backing refs open", path, s.MaxRefs)
	}
	flag := os.O_RDONLY
	if writable {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Wrapf(models.ErrEntryNotFound, "opening %s", path)
		}
		return 0, errors.Wrapf(models.ErrNoMemory, "opening %s: %v", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := Ref(s.refs.Add(handle{file: f, path: path, writable: writable}))
	s.users[path]++
	return ref, nil
}

func (s *Store) handle(ref Ref) (handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.refs.Get(int(ref))
	if !ok {
		return handle{}, errors.Wrapf(models.ErrEntryNotFound, "backing ref %d", ref)
	}
	return *h, nil
}

func (s *Store) File(ref Ref) (*os.File, error) {
	h, err := s.handle(ref)
	return h.file, err
}

func (s *Store) Path(ref Ref) (string, error) {
	h, err := s.handle(ref)
	return h.path, err
}

func (s *Store) Size(ref Ref) (uint64, error) {
	h, err := s.handle(ref)
	if err != nil {
		return 0, err
	}
	st, err := h.file.Stat()
	if err != nil {
		return 0, errors.Wrapf(models.ErrEntryNotFound, "stat %s: %v", h.path, err)
	}
	return uint64(st.Size()), nil
}

// Truncate resizes the file behind ref.
func (s *Store) Truncate(ref Ref, size uint64) error {
	h, err := s.handle(ref)
	if err != nil {
		return err
	}
	if !h.writable {
		return errors.Wrapf(models.ErrBadValue, "backing ref %d is read only", ref)
	}
	if err := h.file.Truncate(int64(size)); err != nil {
		return errors.Wrapf(models.ErrNoMemory, "resizing %s: %v", h.path, err)
	}
	return nil
}

// CloneSharedFile copies the bytes behind ref into a fresh file.
func (s *Store) CloneSharedFile(name string, ref Ref) (string, error) {
	h, err := s.handle(ref)
	if err != nil {
		return "", err
	}
	st, err := h.file.Stat()
	if err != nil {
		return "", errors.Wrapf(models.ErrEntryNotFound, "stat %s: %v", h.path, err)
	}
	path, err := s.CreateSharedFile(name, uint64(st.Size()))
	if err != nil {
		return "", err
	}
	if st.Size() == 0 {
		return path, nil
	}
	if err := copyFile(path, h.file); err != nil {
		os.Remove(path)
		return "", errors.Wrapf(models.ErrNoMemory, "cloning %s: %v", h.path, err)
	}
	s.log.Debug("cloned backing file", zap.String("from", h.path), zap.String("to", path))
	return path, nil
}

func copyFile(path string, src *os.File) error {
	view, err := mmap.Map(src, mmap.RDONLY, 0)
	if err != nil {
		return err
	}
	defer view.Unmap()
	dst, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := dst.WriteAt(view, 0); err != nil {
		return err
	}
	return dst.Sync()
}

// ReadAt and WriteAt give direct access to backing bytes.
func (s *Store) ReadAt(ref Ref, p []byte, off uint64) error {
	f, err := s.File(ref)
	if err != nil {
		return err
	}
	if _, err := f.ReadAt(p, int64(off)); err != nil && err != io.EOF {
		return errors.Wrap(err, "reading backing file")
	}
	return nil
}

func (s *Store) WriteAt(ref Ref, p []byte, off uint64) error {
	f, err := s.File(ref)
	if err != nil {
		return err
	}
	_, err = f.WriteAt(p, int64(off))
	return errors.Wrap(err, "writing backing file")
}

// Close drops ref and unlinks its file when nothing else uses the path.
func (s *Store) Close(ref Ref) error {
	s.mu.Lock()
	h, ok := s.refs.Get(int(ref))
	if !ok {
		s.mu.Unlock()
		return errors.Wrapf(models.ErrEntryNotFound, "backing ref %d", ref)
	}
	file, path := h.file, h.path
	s.refs.Remove(int(ref))
	s.users[path]--
	last := s.users[path] <= 0
	if last {
		delete(s.users, path)
	}
	s.mu.Unlock()

	err := file.Close()
	if last {
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
		s.log.Debug("removed backing file", zap.String("path", path))
	}
	return errors.Wrapf(err, "closing backing ref %d", ref)
}

// Refs is the number of open references.
func (s *Store) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs.Size()
}
