// Package gguf summarizes downloaded GGUF model files.
package gguf

import "strings"

// Summary is the model information reported for a finished GGUF download
type Summary struct {
	Path         string `json:"path"`
	Name         string `json:"name,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Author       string `json:"author,omitempty"`
	License      string `json:"license,omitempty"`
	Version      uint32 `json:"version"`

	// Quantization
	FileType            uint32  `json:"fileType"`
	Quantization        string  `json:"quantization"`
	QuantizationVersion uint32  `json:"quantizationVersion,omitempty"`
	BitsPerWeight       float64 `json:"bitsPerWeight,omitempty"`

	// Model shape
	Parameters      uint64 `json:"parameters,omitempty"`
	ContextLength   int    `json:"contextLength,omitempty"`
	EmbeddingLength int    `json:"embeddingLength,omitempty"`
	BlockCount      int    `json:"blockCount,omitempty"`
	HeadCount       int    `json:"headCount,omitempty"`
	HeadCountKV     int    `json:"headCountKv,omitempty"`

	// Tokenizer
	TokenizerModel string `json:"tokenizerModel,omitempty"`
	TokenCount     int    `json:"tokenCount,omitempty"`

	// Sharding
	SplitCount int `json:"splitCount,omitempty"`
	SplitIndex int `json:"splitIndex,omitempty"`

	TensorCount uint64 `json:"tensorCount"`
	FileSize    uint64 `json:"fileSize"`
	ModelSize   uint64 `json:"modelSize"`
}

// fileTypeNames maps general.file_type codes to llama.cpp quantization names
var fileTypeNames = map[uint32]string{
	0:  "F32",
	1:  "F16",
	2:  "Q4_0",
	3:  "Q4_1",
	7:  "Q8_0",
	8:  "Q5_0",
	9:  "Q5_1",
	10: "Q2_K",
	11: "Q3_K_S",
	12: "Q3_K_M",
	13: "Q3_K_L",
	14: "Q4_K_S",
	15: "Q4_K_M",
	16: "Q5_K_S",
	17: "Q5_K_M",
	18: "Q6_K",
	19: "IQ2_XXS",
	20: "IQ2_XS",
	21: "Q2_K_S",
	22: "IQ3_XS",
	23: "IQ3_XXS",
	24: "IQ1_S",
	25: "IQ4_NL",
	26: "IQ3_S",
	27: "IQ3_M",
	28: "IQ2_S",
	29: "IQ2_M",
	30: "IQ4_XS",
	31: "IQ1_M",
	32: "BF16",
}

// QuantizationName returns the short quantization name of a file type
func QuantizationName(fileType uint32) string {
	if name, ok := fileTypeNames[fileType]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParametersInBillions returns the parameter count in billions
func (s *Summary) ParametersInBillions() float64 {
	return float64(s.Parameters) / 1e9
}

// IsChatModel guesses from the model name whether it is chat tuned
func (s *Summary) IsChatModel() bool {
	name := strings.ToLower(s.Name)
	for _, marker := range []string{"chat", "instruct", "sft", "conversation", "dialogue"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
