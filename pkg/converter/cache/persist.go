package cache

import (
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// CacheFileName is the default name of the persisted result cache.
const CacheFileName = ".batchconverter.cache"

// CacheSchemaVersion is the version of the on-disk layout.
// Increment it whenever Entry or the header change incompatibly.
const CacheSchemaVersion = "2.0"

const (
	// DefaultCacheFormat specifies the default serialization format.
	DefaultCacheFormat = "gob"
	// CacheFormatGob represents the gob serialization format.
	CacheFormatGob = "gob"
	// CacheFormatJSON represents the JSON serialization format.
	CacheFormatJSON = "json"
	// CacheFormatMsgpack represents the MessagePack serialization format.
	CacheFormatMsgpack = "msgpack"
)

// ErrCacheLoad indicates an error occurred while loading the cache file.
// Corrupt or mismatched files are not reported this way; they are logged and treated as empty.
var ErrCacheLoad = errors.New("failed to load cache file")

// ErrCachePersist indicates an error occurred while persisting the cache file.
var ErrCachePersist = errors.New("failed to persist cache file")

// Entry is one persisted key/value pair.
type Entry[V any] struct {
	Key   string `json:"key" msgpack:"key"`
	Value V      `json:"value" msgpack:"value"`
}

// CacheFileHeader contains metadata about the cache file itself.
// Written at the beginning of the cache file. Used for validation during Load.
type CacheFileHeader struct {
	SchemaVersion    string `json:"schemaVersion" msgpack:"schemaVersion"`
	ConverterVersion string `json:"converterVersion" msgpack:"converterVersion"`
	Entries          int    `json:"entries" msgpack:"entries"`
}

type cacheFile[V any] struct {
	Header  CacheFileHeader `json:"header" msgpack:"header"`
	Entries []Entry[V]      `json:"entries" msgpack:"entries"`
}

// PersistOptions controls how an LRU is written to and read from disk.
type PersistOptions struct {
	Format           string       // "gob" (default), "json" or "msgpack"
	ConverterVersion string       // "dev" matches any version
	Logger           slog.Handler // nil discards
}

func (o PersistOptions) normalize() (PersistOptions, *slog.Logger) {
	format := strings.ToLower(o.Format)
	switch format {
	case CacheFormatGob, CacheFormatJSON, CacheFormatMsgpack:
	default:
		format = DefaultCacheFormat
	}
	o.Format = format
	if o.ConverterVersion == "" {
		o.ConverterVersion = "dev"
	}
	h := o.Logger
	if h == nil {
		h = slog.NewTextHandler(io.Discard, nil)
	}
	logger := slog.New(h).With(
		slog.String("component", "resultCache"),
		slog.String("format", format),
	)
	return o, logger
}

// Persist writes every entry of c to path. The write goes to a temporary file in
// the same directory which is then renamed over path.
// An empty cache removes any existing file instead.
func Persist[V any](c *LRU[V], path string, opts PersistOptions) error {
	opts, logger := opts.normalize()
	entries := c.snapshot()

	if len(entries) == 0 {
		logger.Debug("Skipping cache persist, cache is empty. Attempting removal.", "path", path)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Failed to remove empty cache file", "path", path, "error", err.Error())
		}
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("Cache persist error", "path", path, "error", err.Error())
		return fmt.Errorf("%w: failed to ensure cache directory exists '%s': %w", ErrCachePersist, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		logger.Error("Cache persist error", "path", path, "error", err.Error())
		return fmt.Errorf("%w: failed to create temporary cache file in '%s': %w", ErrCachePersist, dir, err)
	}
	tmpPath := tmp.Name()

	closed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if _, statErr := os.Stat(tmpPath); statErr == nil {
			_ = os.Remove(tmpPath)
		}
	}()

	file := cacheFile[V]{
		Header: CacheFileHeader{
			SchemaVersion:    CacheSchemaVersion,
			ConverterVersion: opts.ConverterVersion,
			Entries:          len(entries),
		},
		Entries: entries,
	}

	var encodeErr error
	switch opts.Format {
	case CacheFormatJSON:
		enc := json.NewEncoder(tmp)
		enc.SetIndent("", "  ")
		encodeErr = enc.Encode(file)
	case CacheFormatMsgpack:
		encodeErr = msgpack.NewEncoder(tmp).Encode(&file)
	default:
		enc := gob.NewEncoder(tmp)
		if err := enc.Encode(file.Header); err != nil {
			encodeErr = fmt.Errorf("failed to encode header: %w", err)
		} else {
			encodeErr = enc.Encode(file.Entries)
		}
	}
	if encodeErr != nil {
		logger.Error("Cache persist encoding error", "path", path, "error", encodeErr.Error())
		return fmt.Errorf("%w: failed to encode cache (%s) to '%s': %w", ErrCachePersist, opts.Format, tmpPath, encodeErr)
	}

	closed = true
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close temporary cache file '%s': %w", ErrCachePersist, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		logger.Error("Cache persist atomic rename error", "path", path, "error", err.Error())
		return fmt.Errorf("%w: failed to rename '%s' to '%s': %w", ErrCachePersist, tmpPath, path, err)
	}

	logger.Info("Cache persisted", "path", path, "entries_saved", len(entries))
	return nil
}

// Load reads path into c, replacing its contents. Entries are re-inserted from least
// to most recently used so recency survives the round trip; if the file holds more
// entries than c's capacity the oldest are evicted.
//
// A missing, empty, corrupt or version-mismatched file leaves c empty and returns nil.
// Only an I/O failure opening the file returns an error wrapping ErrCacheLoad.
func Load[V any](c *LRU[V], path string, opts PersistOptions) error {
	opts, logger := opts.normalize()
	c.Purge()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("Cache file not found, starting with an empty cache.", "path", path)
			return nil
		}
		logger.Error("Critical cache load error", "path", path, "error", err.Error())
		return fmt.Errorf("%w: failed to open cache file '%s': %w", ErrCacheLoad, path, err)
	}
	defer f.Close()

	var file cacheFile[V]
	var decodeErr error
	switch opts.Format {
	case CacheFormatJSON:
		decodeErr = json.NewDecoder(f).Decode(&file)
	case CacheFormatMsgpack:
		decodeErr = msgpack.NewDecoder(f).Decode(&file)
	default:
		dec := gob.NewDecoder(f)
		if decodeErr = dec.Decode(&file.Header); decodeErr == nil {
			decodeErr = dec.Decode(&file.Entries)
		}
	}
	if decodeErr != nil {
		if errors.Is(decodeErr, io.EOF) || errors.Is(decodeErr, io.ErrUnexpectedEOF) {
			logger.Warn("Cache file appears empty or truncated, treating as miss.", "path", path)
			return nil
		}
		logger.Warn("Failed to decode cache file (corrupted or wrong format?), treating as miss.",
			"path", path, "error", decodeErr.Error())
		return nil
	}

	if file.Header.SchemaVersion != CacheSchemaVersion {
		logger.Warn("Cache file schema version mismatch, invalidating cache.",
			"path", path, "file_schema", file.Header.SchemaVersion, "expected_schema", CacheSchemaVersion)
		return nil
	}
	isDevTool := opts.ConverterVersion == "dev"
	isDevCache := file.Header.ConverterVersion == "dev"
	if !isDevTool && !isDevCache && file.Header.ConverterVersion != opts.ConverterVersion {
		logger.Warn("Cache file converter version mismatch, invalidating cache.",
			"path", path, "file_converter", file.Header.ConverterVersion, "expected_converter", opts.ConverterVersion)
		return nil
	}

	c.mu.Lock()
	for _, e := range file.Entries {
		c.putLocked(e.Key, e.Value)
	}
	loaded := c.order.Len()
	c.mu.Unlock()

	logger.Info("Cache loaded", "path", path, "entries_loaded", loaded)
	return nil
}
