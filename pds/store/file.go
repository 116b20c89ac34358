package store

import (
	"bufio"
	"errors"
	"os"
)

// SaveFile writes a snapshot to path atomically. The snapshot is streamed to
// a temporary file next to path, synced, and renamed over path, so a crash
// leaves either the previous snapshot or the new one.
func (s *Store) SaveFile(path string) error {
	tmpName := path + ".tmp"
	f, err := os.Create(tmpName)
	if err != nil {
		return err
	}

	var (
		fileClosed    bool
		renameSuccess bool
	)
	defer func() {
		if !fileClosed {
			_ = f.Close()
		}
		if !renameSuccess {
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(f)
	if err := s.SaveSnapshot(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fileClosed = true

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	renameSuccess = true
	return nil
}

// LoadFile loads the snapshot at path. A missing file leaves the store empty
// and is not an error.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no snapshot found, starting empty", "path", path)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	return s.LoadSnapshot(f)
}
