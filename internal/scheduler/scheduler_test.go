package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kirade/raido/internal/fetch"
)

// chdir moves the test into dir and restores the prior working directory at
// cleanup, standing in for testing.T.Chdir which needs Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
}

func TestRunFetchesBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a/clip.bin":
			w.Write([]byte("first payload"))
		case "/b/clip.bin":
			w.Write([]byte("second payload"))
		case "/notes.txt":
			w.Write([]byte("notes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	chdir(t, t.TempDir())
	jobs := []Job{
		{URL: srv.URL + "/a/clip.bin"},
		{URL: srv.URL + "/b/clip.bin"},
		{URL: srv.URL + "/notes.txt", OutputPath: "renamed.txt"},
	}
	cfg := fetch.Config{IdleTimeout: 5 * time.Second}
	require.NoError(t, Run(context.Background(), cfg, jobs, 2))

	got, err := os.ReadFile("clip.bin")
	require.NoError(t, err)
	require.Equal(t, "first payload", string(got))

	// The sibling with the same inferred name gets the suffixed variant.
	got, err = os.ReadFile("clip-(1).bin")
	require.NoError(t, err)
	require.Equal(t, "second payload", string(got))

	got, err = os.ReadFile("renamed.txt")
	require.NoError(t, err)
	require.Equal(t, "notes", string(got))
}

func TestRunAdoptsServerFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="named-by-origin.bin"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	chdir(t, t.TempDir())
	jobs := []Job{
		{URL: srv.URL + "/opaque-token"},
		{URL: srv.URL + "/another", OutputPath: "explicit.bin"},
	}
	cfg := fetch.Config{IdleTimeout: 5 * time.Second}
	require.NoError(t, Run(context.Background(), cfg, jobs, 2))

	// The inferred name gives way to the origin's; an explicit path does not.
	got, err := os.ReadFile("named-by-origin.bin")
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
	_, err = os.Stat("opaque-token")
	require.True(t, os.IsNotExist(err))

	got, err = os.ReadFile("explicit.bin")
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestRunSummarizesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/blocked.bin" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("fine"))
	}))
	defer srv.Close()

	chdir(t, t.TempDir())
	jobs := []Job{
		{URL: srv.URL + "/ok.bin"},
		{URL: srv.URL + "/blocked.bin"},
	}
	cfg := fetch.Config{IdleTimeout: 5 * time.Second}
	err := Run(context.Background(), cfg, jobs, 2)
	require.ErrorContains(t, err, "1 of 2 transfers failed")

	// The healthy sibling still lands despite the failure.
	got, rerr := os.ReadFile("ok.bin")
	require.NoError(t, rerr)
	require.Equal(t, "fine", string(got))
	_, serr := os.Stat("blocked.bin")
	require.True(t, os.IsNotExist(serr))
}
