package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"time"

	"loglog.lopezb.com/pds/hyperloglog"
)

// The Snapshot Format (HLS1)
// ==========================
//
//	+--------+-----------+-----------+     +-----+-----------+
//	| Header | Shard 0   | Shard 1   | ... | EOF | Checksum  |
//	+--------+-----------+-----------+     +-----+-----------+
//	 4 bytes   variable    variable         1 B    8 bytes
//
// Header is the magic string "HLS1". Each non-empty shard is one block:
//
//	+--------+----------+-------+-------+-------+-------+--------+-----+
//	| OpCode | Shard ID | Count | KLen  | Key   | VLen  | Sketch | ... |
//	+--------+----------+-------+-------+-------+-------+--------+-----+
//	  1 byte   1 byte    4 bytes 4 bytes  var    4 bytes  var
//
// The sketch bytes are the persisted layout written by Sketch.Serialize. The
// parts of the configuration the layout does not record come from the
// loading store's Config. Lengths are little-endian. The checksum is a
// CRC-64 (ISO polynomial) of every preceding byte, stored little-endian.

const snapshotMagic = "HLS1"

const (
	opShardData = 0xFE
	opEOF       = 0xFF
)

// maxSnapshotKey bounds key lengths read from a snapshot so that a corrupt
// length cannot trigger a huge allocation.
const maxSnapshotKey = 1 << 20

var crcTable = crc64.MakeTable(crc64.ISO)

// SaveSnapshot writes every sketch in the store to w.
func (s *Store) SaveSnapshot(w io.Writer) error {
	//
	// DESIGN
	// ------
	//
	// Shards are written one at a time. Each shard is encoded into a memory
	// buffer under its read lock, and the lock is released before the buffer
	// is written out, so a slow writer never blocks inserts. The snapshot is
	// consistent per shard, not across shards.
	//
	start := time.Now()

	hasher := crc64.New(crcTable)
	bw := bufio.NewWriter(io.MultiWriter(w, hasher))

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}

	shardBuf := new(bytes.Buffer)
	keys := 0

	for i, sh := range s.shards {
		sh.mu.RLock()
		count := len(sh.data)
		if count == 0 {
			sh.mu.RUnlock()
			continue
		}

		shardBuf.Reset()
		shardBuf.WriteByte(opShardData)
		shardBuf.WriteByte(byte(i))

		var scratch []byte
		scratch = binary.LittleEndian.AppendUint32(scratch[:0], uint32(count))
		shardBuf.Write(scratch)

		for k, sk := range sh.data {
			scratch = binary.LittleEndian.AppendUint32(scratch[:0], uint32(len(k)))
			shardBuf.Write(scratch)
			shardBuf.WriteString(k)

			scratch = binary.LittleEndian.AppendUint32(scratch[:0],
				uint32(hyperloglog.SerializedSize(sk.Precision(), sk.Width())))
			shardBuf.Write(scratch)
			shardBuf.Write(sk.AppendBinary(scratch[:0]))
		}
		sh.mu.RUnlock()

		keys += count
		if _, err := shardBuf.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(opEOF); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// Written past the hasher: the checksum does not cover itself.
	if err := binary.Write(w, binary.LittleEndian, hasher.Sum64()); err != nil {
		return err
	}

	s.logger.Info("snapshot saved", "keys", keys, "duration", time.Since(start))
	return nil
}

// LoadSnapshot replaces the contents of the store with the snapshot read from
// r. The store is left unchanged if the snapshot is corrupt.
func (s *Store) LoadSnapshot(r io.Reader) error {
	start := time.Now()

	loaded, err := s.readSnapshot(r)
	if err != nil {
		s.logger.Error("snapshot rejected", "error", err)
		return err
	}

	keys := 0
	for i, sh := range s.shards {
		sh.mu.Lock()
		sh.data = loaded[i]
		keys += len(sh.data)
		sh.mu.Unlock()
	}

	s.logger.Info("snapshot loaded", "keys", keys, "duration", time.Since(start))
	return nil
}

// snapshotReader feeds every byte it reads to the checksum.
type snapshotReader struct {
	r      *bufio.Reader
	hasher io.Writer
	lenBuf [4]byte
}

func (sr *snapshotReader) readFull(p []byte) error {
	if _, err := io.ReadFull(sr.r, p); err != nil {
		return truncated(err)
	}
	sr.hasher.Write(p)
	return nil
}

func (sr *snapshotReader) readByte() (byte, error) {
	b, err := sr.r.ReadByte()
	if err != nil {
		return 0, truncated(err)
	}
	sr.hasher.Write([]byte{b})
	return b, nil
}

func (sr *snapshotReader) readUint32() (uint32, error) {
	if err := sr.readFull(sr.lenBuf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(sr.lenBuf[:]), nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: unexpected end of data", ErrSnapshotCorrupt)
	}
	return err
}

func (s *Store) readSnapshot(r io.Reader) ([shardCount]map[string]*hyperloglog.Sketch, error) {
	var loaded [shardCount]map[string]*hyperloglog.Sketch
	for i := range loaded {
		loaded[i] = make(map[string]*hyperloglog.Sketch)
	}

	hasher := crc64.New(crcTable)
	sr := &snapshotReader{r: bufio.NewReader(r), hasher: hasher}

	header := make([]byte, len(snapshotMagic))
	if err := sr.readFull(header); err != nil {
		return loaded, err
	}
	if string(header) != snapshotMagic {
		return loaded, fmt.Errorf("%w: invalid header %q", ErrSnapshotCorrupt, header)
	}

	// Sketch bytes have a fixed size for the store's configuration.
	sketchSize := uint32(hyperloglog.SerializedSize(s.cfg.Precision, s.cfg.RegisterWidth))
	sketchBuf := make([]byte, sketchSize)
	var keyBuf []byte

	for {
		op, err := sr.readByte()
		if err != nil {
			return loaded, err
		}
		if op == opEOF {
			break
		}
		if op != opShardData {
			return loaded, fmt.Errorf("%w: unexpected opcode %#x", ErrSnapshotCorrupt, op)
		}

		id, err := sr.readByte()
		if err != nil {
			return loaded, err
		}
		count, err := sr.readUint32()
		if err != nil {
			return loaded, err
		}

		for i := uint32(0); i < count; i++ {
			kLen, err := sr.readUint32()
			if err != nil {
				return loaded, err
			}
			if kLen > maxSnapshotKey {
				return loaded, fmt.Errorf("%w: key length %d", ErrSnapshotCorrupt, kLen)
			}
			if uint32(cap(keyBuf)) < kLen {
				keyBuf = make([]byte, kLen)
			}
			keyBuf = keyBuf[:kLen]
			if err := sr.readFull(keyBuf); err != nil {
				return loaded, err
			}
			key := string(keyBuf)

			vLen, err := sr.readUint32()
			if err != nil {
				return loaded, err
			}
			if vLen != sketchSize {
				return loaded, fmt.Errorf("%w: key %q holds %d sketch bytes, want %d",
					ErrSnapshotCorrupt, key, vLen, sketchSize)
			}
			if err := sr.readFull(sketchBuf); err != nil {
				return loaded, err
			}

			sk, err := hyperloglog.Deserialize(sketchBuf, s.opts...)
			if err != nil {
				return loaded, fmt.Errorf("%w: key %q: %w", ErrSnapshotCorrupt, key, err)
			}
			if err := s.template.Compatible(sk); err != nil {
				return loaded, fmt.Errorf("%w: key %q: %w", ErrSnapshotCorrupt, key, err)
			}

			// Shard IDs are trusted until the checksum is verified; a key in
			// the wrong shard is corruption as well.
			if shardIndex(key) != int(id) {
				return loaded, fmt.Errorf("%w: key %q stored in shard %d", ErrSnapshotCorrupt, key, id)
			}
			loaded[id][key] = sk
		}
	}

	var stored [8]byte
	if _, err := io.ReadFull(sr.r, stored[:]); err != nil {
		return loaded, truncated(err)
	}
	if got, want := binary.LittleEndian.Uint64(stored[:]), hasher.Sum64(); got != want {
		return loaded, fmt.Errorf("%w: stored %#016x, computed %#016x", ErrChecksumMismatch, got, want)
	}
	return loaded, nil
}
