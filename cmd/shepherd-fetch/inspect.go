package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shepherd-project/shepherd-fetch/internal/gguf"
)

func newInspectCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect <file.gguf>...",
		Short: "Print metadata of downloaded GGUF model files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				summary, err := gguf.ReadSummary(path)
				if err != nil {
					printError(fmt.Sprintf("%s: %v", path, err))
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if err := enc.Encode(summary); err != nil {
						return err
					}
					continue
				}
				printSummary(summary)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func printSummary(s *gguf.Summary) {
	printHeader(s.Path)
	printField("Name", s.Name)
	printField("Architecture", s.Architecture)
	printField("Author", s.Author)
	printField("License", s.License)
	printField("Quantization", s.Quantization)
	if s.Parameters > 0 {
		printField("Parameters", fmt.Sprintf("%.2fB", s.ParametersInBillions()))
	}
	if s.BitsPerWeight > 0 {
		printField("Bits per weight", fmt.Sprintf("%.2f", s.BitsPerWeight))
	}
	printField("Context length", positive(s.ContextLength))
	printField("Embedding length", positive(s.EmbeddingLength))
	printField("Blocks", positive(s.BlockCount))
	printField("Heads", positive(s.HeadCount))
	printField("KV heads", positive(s.HeadCountKV))
	printField("Tokenizer", s.TokenizerModel)
	printField("Tokens", positive(s.TokenCount))
	if s.SplitCount > 1 {
		printField("Split", fmt.Sprintf("%d of %d", s.SplitIndex+1, s.SplitCount))
	}
	printField("Tensors", positive(int(s.TensorCount)))
	printField("File size", formatBytes(int64(s.FileSize)))
	if s.IsChatModel() {
		printField("Chat tuned", "yes")
	}
	fmt.Println()
}

func positive(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}
