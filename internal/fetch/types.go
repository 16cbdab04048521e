package fetch

import (
	"net/http"
	"time"

	"github.com/kirade/raido/internal/utils"
)

// Descriptor is one resource to fetch, as handed over by a discovery layer.
// It is immutable for the duration of the fetch.
type Descriptor struct {
	URL     string
	Referer string
	// Headers go on the wire in the order given here.
	Headers []utils.Header
	// OutputPath is the target file; empty means buffer in memory.
	OutputPath string
	// ExpectedSize is an optional size hint used for segmentation
	// eligibility before the real length is known.
	ExpectedSize int64
	// Progress, when set, is called with running and total byte counts.
	// Total is -1 while unknown.
	Progress func(done, total int64)
}

// Result is what a completed fetch hands back.
type Result struct {
	StatusLine string
	StatusCode int
	Headers    http.Header
	// Bytes is the number of payload bytes written.
	Bytes int64
	// Buffer holds the payload for in-memory targets.
	Buffer []byte
	// FinalURL is the URL after redirects.
	FinalURL string
	// Segments is how many parallel segments served the transfer;
	// 0 means the single-stream path.
	Segments int
	Elapsed  time.Duration
}
