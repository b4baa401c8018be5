// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Zstd encoder/decoder pools for reuse.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// compress compresses data using the specified compression type.
func compress(data []byte, ct CompressionType) ([]byte, error) {
	switch ct {
	case CompressionS2:
		return s2.Encode(nil, data), nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil

	default:
		return data, nil
	}
}

// decompress decompresses data using the specified compression type.
func decompress(data []byte, ct CompressionType) ([]byte, error) {
	switch ct {
	case CompressionS2:
		return s2.Decode(nil, data)

	case CompressionZstd:
		return zstdDecoder.DecodeAll(data, nil)

	default:
		return data, nil
	}
}

// archiveExt returns the archive file suffix for a compression type.
func (c CompressionType) archiveExt() string {
	switch c {
	case CompressionS2:
		return ".s2"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// CompactResult reports one compaction pass.
type CompactResult struct {
	Removed   int64  `json:"removed"`
	Remaining int64  `json:"remaining"`
	Archive   string `json:"archive,omitempty"`
}

// Compactor rewrites the log to drop the head every known cursor has already
// passed, archiving the removed bytes. A lease lock file enforces the single
// compacting writer; every other bus operation stays lock-free.
type Compactor struct {
	logPath    string
	lockPath   string
	archiveDir string

	cursors     *CursorStore
	lockStale   time.Duration
	compression CompressionType

	logger *slog.Logger
}

// NewCompactor creates a compactor rooted at the bus directory.
func NewCompactor(root string, cursors *CursorStore, lockStale time.Duration, compression CompressionType, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	if lockStale <= 0 {
		lockStale = DefaultLockStale
	}

	return &Compactor{
		logPath:     filepath.Join(root, LogFileName),
		lockPath:    filepath.Join(root, LockFileName),
		archiveDir:  filepath.Join(root, ArchiveDirName),
		cursors:     cursors,
		lockStale:   lockStale,
		compression: compression,
		logger:      logger,
	}
}

// Compact archives the byte range below the minimum cursor offset and
// truncates the log to the rest, shifting every cursor down accordingly.
// Returns ErrCompactionRunning when another process holds the lock.
//
// The safety invariant: no byte below the minimum offset across all cursors
// is ever needed again, so that is the only range ever removed. If nothing is
// removable the pass is a no-op.
func (c *Compactor) Compact() (*CompactResult, error) {
	release, err := c.acquireLock()
	if err != nil {
		return nil, err
	}
	defer release()

	size, err := fileSize(c.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat log: %w", err)
	}

	min, any, err := c.cursors.MinOffset()
	if err != nil {
		return nil, err
	}
	if !any || min <= 0 || size == 0 {
		return &CompactResult{Remaining: size}, nil
	}

	data, err := os.ReadFile(c.logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	if min > int64(len(data)) {
		min = int64(len(data))
	}

	start := time.Now()

	archivePath, err := c.archive(data[:min])
	if err != nil {
		return nil, fmt.Errorf("failed to archive segment: %w", err)
	}

	remaining, err := c.replaceLog(data[min:], int64(len(data)))
	if err != nil {
		return nil, err
	}

	// A crash before this point leaves cursors pointing past the shrunken
	// log; cursor load recovery handles that, and the processed-ID sets
	// absorb the replay.
	if err := c.cursors.ShiftAll(min); err != nil {
		return nil, err
	}

	c.logger.Info("compacted log",
		slog.Int64("removed", min),
		slog.Int64("remaining", remaining),
		slog.String("archive", filepath.Base(archivePath)),
		slog.Duration("took", time.Since(start)))

	return &CompactResult{
		Removed:   min,
		Remaining: remaining,
		Archive:   archivePath,
	}, nil
}

// acquireLock takes the compaction lease with create-exclusive semantics.
// A lock older than the staleness window was left by a crashed compactor and
// is reclaimed.
func (c *Compactor) acquireLock() (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(c.lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().UnixMilli())
			f.Close()
			return func() { os.Remove(c.lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create compaction lock: %w", err)
		}

		info, statErr := os.Stat(c.lockPath)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				// Holder released between our create and stat; retry.
				continue
			}
			return nil, statErr
		}

		age := time.Since(info.ModTime())
		if age < c.lockStale {
			return nil, ErrCompactionRunning
		}

		c.logger.Warn("reclaiming stale compaction lock", slog.Duration("age", age))
		if err := os.Remove(c.lockPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to reclaim stale lock: %w", err)
		}
	}

	return nil, ErrCompactionRunning
}

// archive writes the compacted-away head to a dated archive file. The archive
// directory is created here and only here: its existence is the durable
// signal that compaction has happened at least once, which cursor recovery
// keys on.
func (c *Compactor) archive(head []byte) (string, error) {
	if err := os.MkdirAll(c.archiveDir, 0o755); err != nil {
		return "", err
	}

	payload, err := compress(head, c.compression)
	if err != nil {
		return "", err
	}

	name := time.Now().UTC().Format("20060102T150405.000") + ".log" + c.compression.archiveExt()
	path := filepath.Join(c.archiveDir, name)
	if err := atomicReplace(path, payload); err != nil {
		return "", err
	}

	return path, nil
}

// replaceLog renames a rewritten log containing tail into place. Bytes
// appended by live senders after the compactor's read snapshot are carried
// over into the new file before the rename.
func (c *Compactor) replaceLog(tail []byte, snapshotSize int64) (int64, error) {
	tempPath := fmt.Sprintf("%s.%d%s", c.logPath, os.Getpid(), TempExtension)
	f, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp log: %w", err)
	}

	written := int64(0)
	n, err := f.Write(tail)
	written += int64(n)
	if err == nil {
		var delta []byte
		if delta, err = c.readDelta(snapshotSize); err == nil && len(delta) > 0 {
			n, err = f.Write(delta)
			written += int64(n)
		}
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to write temp log: %w", err)
	}

	if err := os.Rename(tempPath, c.logPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("failed to replace log: %w", err)
	}

	return written, nil
}

// readDelta returns log bytes appended past the snapshot size, if any.
func (c *Compactor) readDelta(snapshotSize int64) ([]byte, error) {
	size, err := fileSize(c.logPath)
	if err != nil || size <= snapshotSize {
		return nil, err
	}

	f, err := os.Open(c.logPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, size-snapshotSize)
	n, err := f.ReadAt(buf, snapshotSize)
	if err != nil && n == 0 {
		return nil, err
	}

	return buf[:n], nil
}

// ListArchives returns the archive file names in lexical (chronological)
// order.
func (c *Compactor) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(c.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// ReadArchive returns the decoded contents of one archive file, expanding
// compression by file suffix.
func (c *Compactor) ReadArchive(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.archiveDir, name))
	if err != nil {
		return nil, err
	}

	switch filepath.Ext(name) {
	case ".s2":
		return decompress(data, CompressionS2)
	case ".zst":
		return decompress(data, CompressionZstd)
	default:
		return data, nil
	}
}
