package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	ggufparser "github.com/gpustack/gguf-parser-go"
)

// ErrNotGGUF is returned for files without the GGUF magic
var ErrNotGGUF = errors.New("not a GGUF file")

var magic = []byte("GGUF")

// IsGGUF reports whether the file at path starts with the GGUF magic
func IsGGUF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, magic), nil
}

// ReadSummary parses the header of the GGUF file at path
func ReadSummary(path string) (*Summary, error) {
	ok, err := IsGGUF(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GGUF file: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotGGUF)
	}

	file, err := ggufparser.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GGUF file: %w", err)
	}

	gmeta := file.Metadata()
	s := &Summary{
		Path:                path,
		Name:                gmeta.Name,
		Architecture:        gmeta.Architecture,
		Author:              gmeta.Author,
		License:             gmeta.License,
		Version:             uint32(file.Header.Version),
		FileType:            uint32(gmeta.FileType),
		QuantizationVersion: gmeta.QuantizationVersion,
		BitsPerWeight:       float64(gmeta.BitsPerWeight),
		Parameters:          uint64(gmeta.Parameters),
		TensorCount:         file.Header.TensorCount,
		FileSize:            uint64(gmeta.FileSize),
		ModelSize:           uint64(gmeta.Size),
	}
	s.Quantization = QuantizationName(s.FileType)

	kvs := file.Header.MetadataKV
	lookup := func(key string) (ggufparser.GGUFMetadataKV, bool) {
		values, found := kvs.Index([]string{key})
		if found > 0 {
			return values[key], true
		}
		return ggufparser.GGUFMetadataKV{}, false
	}

	arch := s.Architecture
	if arch == "" {
		if kv, ok := lookup("general.architecture"); ok {
			arch = kv.ValueString()
			s.Architecture = arch
		}
	}

	// Shape keys carry the architecture as prefix, older files use llama.
	archInt := func(field string) int {
		for _, prefix := range []string{arch, "llama"} {
			if prefix == "" {
				continue
			}
			if kv, ok := lookup(prefix + "." + field); ok {
				return intValue(kv)
			}
		}
		return 0
	}
	s.ContextLength = archInt("context_length")
	s.EmbeddingLength = archInt("embedding_length")
	s.BlockCount = archInt("block_count")
	s.HeadCount = archInt("attention.head_count")
	s.HeadCountKV = archInt("attention.head_count_kv")

	if kv, ok := lookup("tokenizer.ggml.model"); ok {
		s.TokenizerModel = kv.ValueString()
	}
	if kv, ok := lookup("tokenizer.ggml.tokens"); ok {
		s.TokenCount = int(kv.ValueArray().Len)
	}

	if kv, ok := lookup("split.count"); ok {
		s.SplitCount = intValue(kv)
	}
	if kv, ok := lookup("split.no"); ok {
		s.SplitIndex = intValue(kv)
	}

	return s, nil
}

// intValue reads any integer typed value
func intValue(kv ggufparser.GGUFMetadataKV) int {
	switch kv.ValueType {
	case ggufparser.GGUFMetadataValueTypeUint8:
		return int(kv.ValueUint8())
	case ggufparser.GGUFMetadataValueTypeInt8:
		return int(kv.ValueInt8())
	case ggufparser.GGUFMetadataValueTypeUint16:
		return int(kv.ValueUint16())
	case ggufparser.GGUFMetadataValueTypeInt16:
		return int(kv.ValueInt16())
	case ggufparser.GGUFMetadataValueTypeUint32:
		return int(kv.ValueUint32())
	case ggufparser.GGUFMetadataValueTypeInt32:
		return int(kv.ValueInt32())
	case ggufparser.GGUFMetadataValueTypeUint64:
		return int(kv.ValueUint64())
	case ggufparser.GGUFMetadataValueTypeInt64:
		return int(kv.ValueInt64())
	default:
		return 0
	}
}
