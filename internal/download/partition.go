package download

import (
	"fmt"
	"path/filepath"
)

// PlanParts splits a file of totalSize bytes into contiguous parts.
// Unknown sizes and files below minSplit get a single part; otherwise
// N = min(maxParts, ceil(totalSize/minPartSize)) and the last part
// absorbs the division remainder.
func PlanParts(totalSize, minPartSize, minSplit int64, maxParts int) []Part {
	if totalSize <= 0 {
		return []Part{openPart}
	}
	if totalSize < minSplit || minPartSize <= 0 || maxParts <= 1 {
		return []Part{{Start: 0, End: totalSize - 1}}
	}

	n := (totalSize + minPartSize - 1) / minPartSize
	if n > int64(maxParts) {
		n = int64(maxParts)
	}
	if n < 1 {
		n = 1
	}

	partSize := totalSize / n
	parts := make([]Part, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * partSize
		end := start + partSize - 1
		if i == n-1 {
			end = totalSize - 1
		}
		parts = append(parts, Part{Start: start, End: end})
	}
	return parts
}

// partFileName names the temporary file of part index for a target file
func partFileName(fileName string, index int) string {
	return fmt.Sprintf("%s.part%d", fileName, index)
}

// mergingFileName names the temporary merge output
func mergingFileName(fileName string) string {
	return fileName + ".merging"
}

// partPath returns the part-file path inside dir
func partPath(dir, fileName string, index int) string {
	return filepath.Join(dir, partFileName(fileName, index))
}
