package dedup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the codec of a cluster file
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZSTD
	CompressionLZ4
)

// resultDocument is the on-disk form of a Result
type resultDocument struct {
	RunID    string    `json:"runId,omitempty"`
	Clusters []Cluster `json:"clusters"`
	Stats    Stats     `json:"stats"`
}

// compressionFor picks the codec from the file name: .json, .json.zst or .json.lz4
func compressionFor(path string) (Compression, error) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".json.zst"):
		return CompressionZSTD, nil
	case strings.HasSuffix(name, ".json.lz4"):
		return CompressionLZ4, nil
	case strings.HasSuffix(name, ".json"):
		return CompressionNone, nil
	}
	return CompressionNone, fmt.Errorf("cluster file must end in .json, .json.zst or .json.lz4, got %q", path)
}

// WriteResult encodes res as JSON to w
func WriteResult(w io.Writer, res *Result) error {
	doc := resultDocument{
		RunID:    res.RunID,
		Clusters: res.ClusterList(),
		Stats:    res.Stats(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding clusters: %w", err)
	}
	return nil
}

// ReadResult decodes a Result written by WriteResult
func ReadResult(r io.Reader) (*Result, error) {
	var doc resultDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding clusters: %w", err)
	}

	res := NewResult()
	res.RunID = doc.RunID
	for _, c := range doc.Clusters {
		for _, child := range c.Children {
			res.attach(c.Parent, child)
		}
	}
	res.Processed = doc.Stats.Features - doc.Stats.Skipped
	res.Skipped = doc.Stats.Skipped
	res.Unclustered = doc.Stats.Unclustered
	res.Elapsed = doc.Stats.Elapsed

	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster file: %w", err)
	}
	return res, nil
}

// WriteResultFile writes res to path, compressing by file extension
func WriteResultFile(path string, res *Result) (err error) {
	codec, err := compressionFor(path)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cluster file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing cluster file: %w", cerr)
		}
	}()

	switch codec {
	case CompressionZSTD:
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		if err := WriteResult(enc, res); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	case CompressionLZ4:
		zw := lz4.NewWriter(f)
		if err := WriteResult(zw, res); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()
	}
	return WriteResult(f, res)
}

// ReadResultFile reads a cluster file written by WriteResultFile
func ReadResultFile(path string) (*Result, error) {
	codec, err := compressionFor(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cluster file: %w", err)
	}
	defer f.Close()

	switch codec {
	case CompressionZSTD:
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		return ReadResult(dec)
	case CompressionLZ4:
		return ReadResult(lz4.NewReader(f))
	}
	return ReadResult(f)
}
