package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/packagesmith/installd/internal/domain/session"
)

// FileStore persists one zstd-compressed JSON record per session under a
// state directory. Writes go through a temp file and rename so a crash
// mid-write never leaves a torn record.
type FileStore struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &FileStore{dir: dir, encoder: enc, decoder: dec}, nil
}

func (fs *FileStore) recordPath(id int) string {
	return filepath.Join(fs.dir, fmt.Sprintf("%d.session.zst", id))
}

// Write persists rec, replacing any previous record for the same session.
func (fs *FileStore) Write(rec session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}
	compressed := fs.encoder.EncodeAll(data, nil)

	tmp := fs.recordPath(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o600); err != nil {
		return fmt.Errorf("write record %d: %w", rec.ID, err)
	}
	if err := os.Rename(tmp, fs.recordPath(rec.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit record %d: %w", rec.ID, err)
	}
	return nil
}

// ReadAll loads every record in the state directory. Unreadable records
// are skipped rather than failing the whole restore; a corrupt record for
// one session should not hold the rest of the system hostage.
func (fs *FileStore) ReadAll() ([]session.Record, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}

	var records []session.Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".session.zst") {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSuffix(name, ".session.zst")); err != nil {
			continue
		}
		compressed, err := os.ReadFile(filepath.Join(fs.dir, name))
		if err != nil {
			continue
		}
		data, err := fs.decoder.DecodeAll(compressed, nil)
		if err != nil {
			continue
		}
		var rec session.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes a session's record.
func (fs *FileStore) Delete(id int) error {
	err := os.Remove(fs.recordPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record %d: %w", id, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
