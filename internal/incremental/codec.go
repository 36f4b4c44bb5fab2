package incremental

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	gserrors "graphsync/internal/errors"
)

// CacheFormatVersion tags persisted cache blobs. Bump it whenever FileEntry
// or the analysis semantics change; older blobs are then discarded whole.
const CacheFormatVersion = 1

// CacheState is the persisted form of a workspace index.
type CacheState struct {
	Version   int       `json:"version"`
	Workspace string    `json:"workspace"`
	SavedAt   time.Time `json:"savedAt"`
	// SymbolsHash and DependenciesHash aggregate the entries so a reader can
	// check the registry without walking every file.
	SymbolsHash      string                `json:"symbolsHash"`
	DependenciesHash string                `json:"dependenciesHash"`
	Entries          map[string]*FileEntry `json:"entries"`
}

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

// EncodeAll and DecodeAll are safe for concurrent use on a shared coder.
func zstdEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func zstdDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// EncodeCache serializes state as zstd-compressed JSON.
func EncodeCache(state *CacheState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encoding cache: %w", err)
	}
	return zstdEncoder().EncodeAll(raw, nil), nil
}

// DecodeCache parses a cache blob. Undecodable data yields a CACHE_CORRUPT
// error and a foreign format version yields CACHE_VERSION_MISMATCH.
func DecodeCache(data []byte) (*CacheState, error) {
	raw, err := zstdDecoder().DecodeAll(data, nil)
	if err != nil {
		return nil, gserrors.Wrap(gserrors.CacheCorrupt, "cache blob is not valid zstd", err)
	}

	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, gserrors.Wrap(gserrors.CacheCorrupt, "cache blob is not valid JSON", err)
	}
	if header.Version != CacheFormatVersion {
		return nil, gserrors.New(gserrors.CacheVersionMismatch,
			fmt.Sprintf("cache format version %d, expected %d", header.Version, CacheFormatVersion))
	}

	var state CacheState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, gserrors.Wrap(gserrors.CacheCorrupt, "cache entries are malformed", err)
	}
	if state.Entries == nil {
		state.Entries = make(map[string]*FileEntry)
	}
	for path, e := range state.Entries {
		if e == nil || e.Path != path || e.Hash == "" {
			return nil, gserrors.New(gserrors.CacheCorrupt, "cache entry for "+path+" is inconsistent")
		}
	}
	syms, deps := aggregateHashes(state.Entries)
	if syms != state.SymbolsHash || deps != state.DependenciesHash {
		return nil, gserrors.New(gserrors.CacheCorrupt, "cache aggregate hashes do not match entries")
	}
	return &state, nil
}
