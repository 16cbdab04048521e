package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirade/raido/internal/fetch"
	"github.com/kirade/raido/internal/output"
	"github.com/kirade/raido/internal/utils"
)

// Job is one transfer in a batch.
type Job struct {
	URL        string
	OutputPath string
	Referer    string
	Headers    []utils.Header
}

// naming hands out collision-free output paths. Sibling transfers race for
// the same inferred name before any file exists, so claims live in a shared
// set guarded for the post-completion renames that happen on worker
// goroutines.
type naming struct {
	mu    sync.Mutex
	taken map[string]struct{}
}

func (n *naming) claim(path string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return utils.ResolveOutputPath(path, n.taken)
}

// adopt renames a finished transfer to the name the origin supplied in its
// headers. Returns the path actually in place afterwards.
func (n *naming) adopt(oldPath, wantName string) string {
	newPath := n.claim(filepath.Join(filepath.Dir(oldPath), wantName))
	if err := os.Rename(oldPath, newPath); err != nil {
		return oldPath
	}
	n.mu.Lock()
	delete(n.taken, oldPath)
	n.mu.Unlock()
	return newPath
}

// Run fetches every job, at most workers at a time, with combined progress
// on one display. A failing job never cancels its siblings; failures are
// collected and summarized in the returned error.
func Run(ctx context.Context, cfg fetch.Config, jobs []Job, workers int) error {
	if len(jobs) == 0 {
		return fmt.Errorf("no transfers to run")
	}
	if workers <= 0 {
		workers = 1
	}
	eng, err := fetch.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	mgr := output.NewManager()
	mgr.StartDisplay()

	names := &naming{taken: make(map[string]struct{})}
	var g errgroup.Group
	g.SetLimit(workers)
	for _, job := range jobs {
		job := job
		inferred := job.OutputPath == ""
		path := job.OutputPath
		if inferred {
			path = utils.FilenameFromURL(job.URL)
		}
		path = names.claim(path)
		id := mgr.Register(filepath.Base(path))
		desc := fetch.Descriptor{
			URL:        job.URL,
			Referer:    job.Referer,
			Headers:    job.Headers,
			OutputPath: path,
			Progress: func(done, total int64) {
				mgr.Progress(id, done, total)
			},
		}
		g.Go(func() error {
			mgr.SetStatus(id, "active")
			mgr.SetMessage(id, "Connecting "+job.URL)
			res, ferr := eng.Fetch(ctx, desc)
			if ferr != nil {
				mgr.Fail(id, ferr)
				return nil
			}
			// A name the origin supplied beats one guessed from the URL.
			if from := utils.FilenameFromHeaders(res.Headers); inferred && from != "" && from != filepath.Base(path) {
				path = names.adopt(path, from)
			}
			mgr.Complete(id, completionNote(filepath.Base(path), res))
			return nil
		})
	}
	g.Wait()
	mgr.StopDisplay()

	if failed := mgr.FailureCount(); failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(jobs))
	}
	return nil
}

func completionNote(name string, res *fetch.Result) string {
	elapsed := res.Elapsed.Round(time.Second)
	if res.Segments > 1 {
		return fmt.Sprintf("Completed %s (%s over %d segments in %s)",
			name, output.FormatBytes(res.Bytes), res.Segments, elapsed)
	}
	return fmt.Sprintf("Completed %s (%s in %s)", name, output.FormatBytes(res.Bytes), elapsed)
}
