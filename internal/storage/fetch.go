package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Fetcher copies a remote dataset into a local cache directory so that it
// can be opened like a local one.
type Fetcher struct {
	storage     ObjectStorage
	concurrency int
	cacheDir    string
}

// FetchResult contains the outcome of a fetch.
type FetchResult struct {
	Dir       string
	Files     []string
	CacheHits int
	Downloads int
	Errors    map[string]error
}

// NewFetcher creates a fetcher.
// storage: the ObjectStorage implementation to download from
// concurrency: maximum number of parallel downloads
// cacheDir: directory that receives the files
func NewFetcher(storage ObjectStorage, concurrency int, cacheDir string) *Fetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fetcher{
		storage:     storage,
		concurrency: concurrency,
		cacheDir:    cacheDir,
	}
}

// Fetch downloads every parquet object under prefix into a directory named
// after the prefix. Files already in the cache are not downloaded again.
// Per-object failures are collected in the result; the returned error is
// set when any object failed.
func (f *Fetcher) Fetch(ctx context.Context, prefix string) (*FetchResult, error) {
	objects, err := f.storage.ListObjects(ctx, strings.TrimSuffix(prefix, "/")+"/")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, o := range objects {
		if strings.HasSuffix(o, ".parquet") {
			paths = append(paths, o)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no parquet objects under %s", ErrObjectNotFound, prefix)
	}
	sort.Strings(paths)

	result := &FetchResult{
		Dir:    filepath.Join(f.cacheDir, path.Base(strings.TrimSuffix(prefix, "/"))),
		Errors: make(map[string]error),
	}
	if err := os.MkdirAll(result.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	var downloadQueue []string
	for _, p := range paths {
		local := f.localPath(result.Dir, p)
		result.Files = append(result.Files, local)
		if _, err := os.Stat(local); err == nil {
			result.CacheHits++
			continue
		}
		downloadQueue = append(downloadQueue, p)
	}

	sem := semaphore.NewWeighted(int64(f.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range downloadQueue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = fmt.Errorf("semaphore acquire failed: %w", err)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(objectPath string) {
			defer sem.Release(1)
			defer wg.Done()

			// Download into a temporary name so an interrupted fetch never
			// leaves a partial file that looks like a cache hit.
			local := f.localPath(result.Dir, objectPath)
			tmp := local + ".part"
			err := f.storage.Download(ctx, objectPath, tmp)
			if err == nil {
				err = os.Rename(tmp, local)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				_ = os.Remove(tmp)
				result.Errors[objectPath] = err
				return
			}
			result.Downloads++
		}(p)
	}

	wg.Wait()

	if len(result.Errors) > 0 {
		for _, p := range paths {
			if err, ok := result.Errors[p]; ok {
				return result, fmt.Errorf("fetching %s: %w (%d failed)", p, err, len(result.Errors))
			}
		}
	}
	return result, nil
}

// localPath keeps only the object's base name so that a key can never
// escape the cache directory.
func (f *Fetcher) localPath(dir, objectPath string) string {
	return filepath.Join(dir, path.Base(objectPath))
}
