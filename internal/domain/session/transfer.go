package session

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/packagesmith/installd/internal/shared/sesserr"
)

// Transfer is one open write channel into the content area. The client
// streams bytes through it; the session tracks every open transfer and
// forcibly revokes them on destroy.
type Transfer struct {
	id      string
	name    string
	sess    *Session
	file    *os.File
	offset  int64
	revoked atomic.Bool
	closed  atomic.Bool
}

var _ io.WriteCloser = (*Transfer)(nil)

// OpenWrite allocates a transfer channel for name starting at offset.
// When length > 0 the target space is preallocated. Rejected once sealed.
// Multiple transfers may be open concurrently on distinct or even the same
// file; overlapping writes are last-writer-wins at the byte level.
func (s *Session) OpenWrite(name string, offset, length int64) (*Transfer, error) {
	s.mu.Lock()
	if err := s.checkMutableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.params.DataLoader != nil {
		s.mu.Unlock()
		return nil, sesserr.New(sesserr.InvalidState, "data-loader session %d does not accept writes", s.id)
	}
	if s.params.MultiPackage {
		s.mu.Unlock()
		return nil, sesserr.New(sesserr.InvalidState, "multi-package parent %d owns no content", s.id)
	}
	if s.state < StatePrepared {
		s.mu.Unlock()
		if err := s.Open(); err != nil {
			return nil, err
		}
		s.mu.Lock()
	}
	if !validFileName(name) || offset < 0 {
		s.mu.Unlock()
		return nil, sesserr.New(sesserr.InvalidState, "invalid write target %q@%d", name, offset)
	}
	path := s.stagePath(name)
	s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, sesserr.Wrap(sesserr.StorageUnavailable, err, "open %q", name)
	}
	if length > 0 {
		if fi, statErr := f.Stat(); statErr == nil && fi.Size() < offset+length {
			if err := f.Truncate(offset + length); err != nil {
				f.Close()
				return nil, sesserr.Wrap(sesserr.StorageUnavailable, err, "preallocate %q", name)
			}
		}
	}

	t := &Transfer{
		id:     uuid.NewString(),
		name:   name,
		sess:   s,
		file:   f,
		offset: offset,
	}

	s.mu.Lock()
	// Seal may have raced the file open.
	if err := s.checkMutableLocked(); err != nil {
		s.mu.Unlock()
		f.Close()
		return nil, err
	}
	s.transfers[t.id] = t
	s.mu.Unlock()
	return t, nil
}

// Write copies bytes from r into name at offset through a fresh transfer
// channel, closing it when the copy ends.
func (s *Session) Write(name string, offset, length int64, r io.Reader) (int64, error) {
	t, err := s.OpenWrite(name, offset, length)
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(t, r)
	closeErr := t.Close()
	if copyErr != nil {
		return n, sesserr.Wrap(sesserr.StorageUnavailable, copyErr, "write %q", name)
	}
	if closeErr != nil {
		return n, closeErr
	}
	return n, nil
}

// ID returns the transfer channel id.
func (t *Transfer) ID() string { return t.id }

// Name returns the target file name.
func (t *Transfer) Name() string { return t.name }

func (t *Transfer) Write(p []byte) (int, error) {
	if t.revoked.Load() {
		return 0, sesserr.New(sesserr.Aborted, "transfer %s revoked", t.id)
	}
	n, err := t.file.WriteAt(p, t.offset)
	t.offset += int64(n)
	if n > 0 {
		t.sess.addWrittenBytes(int64(n))
	}
	if err != nil {
		return n, sesserr.Wrap(sesserr.StorageUnavailable, err, "write %q", t.name)
	}
	return n, nil
}

// Close ends the transfer and removes it from the session's open list.
func (t *Transfer) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.sess.mu.Lock()
	delete(t.sess.transfers, t.id)
	t.sess.mu.Unlock()

	if err := t.file.Close(); err != nil && !t.revoked.Load() {
		return sesserr.Wrap(sesserr.StorageUnavailable, err, "close %q", t.name)
	}
	return nil
}

// revoke force-closes the channel from the session side. Subsequent writes
// fail; the descriptor does not outlive the session.
func (t *Transfer) revoke() {
	if t.revoked.CompareAndSwap(false, true) {
		t.closed.Store(true)
		t.file.Close()
	}
}

// OpenTransferCount reports how many write channels are currently open.
func (s *Session) OpenTransferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}
