package wal

import (
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Package-level encoder, safe for concurrent use via EncodeAll.
var archiveEncoder *zstd.Encoder

func init() {
	var err error
	archiveEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("wal: init zstd encoder: %v", err))
	}
}

// appendArchive compresses the given JSONL lines into one zstd frame
// and appends it to the archive file. Zstd frames concatenate, so the
// archive stays a valid stream across compaction passes.
func appendArchive(path string, lines [][]byte) error {
	var raw []byte
	for _, line := range lines {
		raw = append(raw, line...)
		raw = append(raw, '\n')
	}
	compressed := archiveEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(compressed); err != nil {
		return fmt.Errorf("append archive: %w", err)
	}
	return nil
}

// ReadArchive decompresses and returns the raw JSONL bytes of an
// archive file. Used by tests and offline inspection.
func ReadArchive(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
