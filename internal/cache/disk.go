// Package cache keeps synthesized chunk audio on disk so that re-running an
// unchanged script does not call the provider again.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/book-expert/narrator/internal/core"
)

const (
	envCacheDir        = "NARRATOR_CACHE_DIR"
	appName            = "narrator"
	chunksDirName      = "chunks"
	entryExtension     = ".wav.zst"
	tempSuffix         = ".tmp"
	dirPermissions     = 0o750
	filePermissions    = 0o600
	keySeparator       = "\x00"
	shardPrefixLength  = 2
	defaultCompression = 3
)

// ErrDirEmpty is returned when a cache is opened without a directory.
var ErrDirEmpty = errors.New("cache directory cannot be empty")

// Stats counts cache lookups since the cache was opened.
type Stats struct {
	Hits   int64
	Misses int64
	Writes int64
}

// DiskCache stores zstd-compressed chunk audio under a content-addressed key.
// It is safe for concurrent use.
type DiskCache struct {
	basePath string
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
}

// DefaultDir returns the cache directory, honoring NARRATOR_CACHE_DIR and falling
// back to the user cache directory, then the temp directory.
func DefaultDir() string {
	if dir := os.Getenv(envCacheDir); dir != "" {
		return dir
	}

	userCache, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName, chunksDirName)
	}

	return filepath.Join(userCache, appName, chunksDirName)
}

// NewDiskCache creates the directory if needed and returns a cache rooted there.
func NewDiskCache(basePath string) (*DiskCache, error) {
	if basePath == "" {
		return nil, ErrDirEmpty
	}

	err := os.MkdirAll(basePath, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(defaultCompression)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &DiskCache{
		basePath: basePath,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Key identifies the audio produced for one request. Any change to the voice, the
// prosody or a single byte of markup gives a different key.
func Key(voiceID string, prosody core.Prosody, markup string) string {
	hasher := sha256.New()

	for _, part := range []string{
		voiceID,
		strconv.FormatFloat(prosody.Rate, 'g', -1, 64),
		strconv.FormatFloat(prosody.Pitch, 'g', -1, 64),
		markup,
	} {
		hasher.Write([]byte(part))
		hasher.Write([]byte(keySeparator))
	}

	return hex.EncodeToString(hasher.Sum(nil))
}

// Get returns the cached audio for req. Unreadable or corrupt entries are removed
// and reported as misses.
func (dc *DiskCache) Get(req core.SynthesisRequest) ([]byte, bool) {
	path := dc.pathFor(Key(req.VoiceID, req.Prosody, req.Markup))

	compressed, err := os.ReadFile(path)
	if err != nil {
		dc.misses.Add(1)

		return nil, false
	}

	data, err := dc.decoder.DecodeAll(compressed, nil)
	if err != nil {
		_ = os.Remove(path)

		dc.misses.Add(1)

		return nil, false
	}

	dc.hits.Add(1)

	return data, true
}

// Put stores audio for req, replacing any previous entry atomically.
func (dc *DiskCache) Put(req core.SynthesisRequest, audio []byte) error {
	path := dc.pathFor(Key(req.VoiceID, req.Prosody, req.Markup))

	err := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create cache shard: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}

	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(dc.encoder.EncodeAll(audio, nil))
	closeErr := tempFile.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr == nil {
		writeErr = os.Chmod(tempPath, filePermissions)
	}

	if writeErr == nil {
		writeErr = os.Rename(tempPath, path)
	}

	if writeErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to write cache file: %w", writeErr)
	}

	dc.writes.Add(1)

	return nil
}

// RemoveOlderThan deletes entries last written before cutoff and returns how many
// were removed.
func (dc *DiskCache) RemoveOlderThan(cutoff time.Time) (int, error) {
	removed := 0

	walkErr := filepath.WalkDir(dc.basePath, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() || !strings.HasSuffix(path, entryExtension) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		if info.ModTime().Before(cutoff) {
			removeErr := os.Remove(path)
			if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
				return removeErr
			}

			removed++
		}

		return nil
	})
	if walkErr != nil {
		return removed, fmt.Errorf("failed to prune cache: %w", walkErr)
	}

	return removed, nil
}

// Stats returns lookup counters.
func (dc *DiskCache) Stats() Stats {
	return Stats{
		Hits:   dc.hits.Load(),
		Misses: dc.misses.Load(),
		Writes: dc.writes.Load(),
	}
}

// Dir returns the cache root.
func (dc *DiskCache) Dir() string {
	return dc.basePath
}

// Close releases the compressor resources.
func (dc *DiskCache) Close() error {
	dc.decoder.Close()

	return dc.encoder.Close()
}

func (dc *DiskCache) pathFor(key string) string {
	return filepath.Join(dc.basePath, key[:shardPrefixLength], key+entryExtension)
}
