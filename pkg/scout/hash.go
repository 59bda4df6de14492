package scout

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/sl224/casparianflow/pkg/metrics"
)

const hashChunkSize = 1 << 20

// hashFile computes the SHA-256 digest of a file's full byte stream,
// reading in chunks so memory stays flat for large files. Returns the
// 32-byte digest and the byte count actually hashed.
func hashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, total, fmt.Errorf("read %s: %w", path, err)
		}
	}

	metrics.ScanBytesHashed.Add(float64(total))
	return h.Sum(nil), total, nil
}
