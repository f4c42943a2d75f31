// Package media downloads the media files of harvested profiles.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"harvest-go/internal/fetch"
	"harvest-go/internal/harvest"
)

// Getter streams a URL to a handler under a retry policy. *fetch.Fetcher
// implements it.
type Getter interface {
	Do(ctx context.Context, rawURL string, handle fetch.Handler) (harvest.Trust, error)
}

var errEmptyFile = errors.New("downloaded file is empty")

// Options configures a Manager.
type Options struct {
	// Root is the directory holding one subdirectory per profile.
	Root string
	// Workers bounds the number of concurrent transfers.
	Workers int
	// BatchTimeout bounds how long DownloadAll waits for one profile.
	BatchTimeout time.Duration
	// FallbackExt is used when the URL carries no recognised extension.
	FallbackExt string
}

// Manager downloads media into Root/<profileID>/<index>.<ext>.
//
// Transfers still running when a batch times out are not cancelled; they
// are abandoned and finish (or fail) on their own. Writes are atomic, so an
// abandoned transfer never leaves a partial file at its final path. Wait
// blocks until every abandoned transfer has returned.
type Manager struct {
	getter  Getter
	fs      harvest.Filesystem
	sem     *semaphore.Weighted
	opts    Options
	logger  harvest.Logger
	pending sync.WaitGroup
}

var _ harvest.MediaDownloader = (*Manager)(nil)

func NewManager(getter Getter, fs harvest.Filesystem, opts Options, logger harvest.Logger) *Manager {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.FallbackExt == "" {
		opts.FallbackExt = "jpg"
	}
	return &Manager{
		getter: getter,
		fs:     fs,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		opts:   opts,
		logger: logger,
	}
}

// Plan returns the download task for every media URL of a profile.
func (m *Manager) Plan(profileID string, mediaURLs []string) []harvest.DownloadTask {
	tasks := make([]harvest.DownloadTask, 0, len(mediaURLs))
	for i, u := range mediaURLs {
		name := fmt.Sprintf("%d.%s", i, Extension(u, m.opts.FallbackExt))
		tasks = append(tasks, harvest.DownloadTask{
			ProfileID: profileID,
			Index:     i,
			SourceURL: u,
			LocalPath: filepath.Join(m.opts.Root, profileID, name),
			Status:    harvest.DownloadPending,
		})
	}
	return tasks
}

type result struct {
	index int
	err   error
}

// DownloadAll downloads every media URL that is not already present with a
// non-zero size. Failures are counted, never returned: one failed file does
// not affect its siblings.
func (m *Manager) DownloadAll(ctx context.Context, profileID string, mediaURLs []string) harvest.DownloadSummary {
	var summary harvest.DownloadSummary
	tasks := m.Plan(profileID, mediaURLs)

	var scheduled []int
	for i := range tasks {
		size, ok, err := m.fs.Size(tasks[i].LocalPath)
		if err != nil {
			m.logger.Warn("cannot stat media file, downloading again", "path", tasks[i].LocalPath, "error", err)
		}
		if ok && size > 0 {
			tasks[i].Status = harvest.DownloadDone
			summary.Skipped++
			continue
		}
		scheduled = append(scheduled, i)
	}
	if len(scheduled) == 0 {
		return summary
	}

	batchCtx := ctx
	if m.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, m.opts.BatchTimeout)
		defer cancel()
	}

	results := make(chan result, len(scheduled))
	for _, i := range scheduled {
		task := tasks[i]
		tasks[i].Status = harvest.DownloadInFlight
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			if err := m.sem.Acquire(batchCtx, 1); err != nil {
				results <- result{index: task.Index, err: err}
				return
			}
			defer m.sem.Release(1)
			results <- result{index: task.Index, err: m.download(ctx, task)}
		}()
	}

	record := func(r result) {
		if r.err != nil {
			tasks[r.index].Status = harvest.DownloadFailed
			summary.Failed++
			if batchCtx.Err() != nil && errors.Is(r.err, batchCtx.Err()) {
				summary.TimedOut++
			}
			m.logger.Warn("media download failed",
				"profile", profileID, "url", tasks[r.index].SourceURL, "error", r.err)
			return
		}
		tasks[r.index].Status = harvest.DownloadDone
		summary.Succeeded++
	}

	outstanding := len(scheduled)
	for outstanding > 0 {
		select {
		case r := <-results:
			outstanding--
			record(r)
		case <-batchCtx.Done():
			// Results that arrived together with the deadline still count.
		drain:
			for outstanding > 0 {
				select {
				case r := <-results:
					outstanding--
					record(r)
				default:
					break drain
				}
			}
			for _, i := range scheduled {
				if tasks[i].Status == harvest.DownloadInFlight {
					tasks[i].Status = harvest.DownloadFailed
					summary.Failed++
					summary.TimedOut++
					m.logger.Warn("media download timed out",
						"profile", profileID, "url", tasks[i].SourceURL, "timeout", m.opts.BatchTimeout)
				}
			}
			outstanding = 0
		}
	}

	m.logger.Debug("media batch finished", "profile", profileID,
		"succeeded", summary.Succeeded, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary
}

// Wait blocks until transfers abandoned by timed-out batches have returned.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) download(ctx context.Context, task harvest.DownloadTask) error {
	_, err := m.getter.Do(ctx, task.SourceURL, func(resp *http.Response, body io.Reader) error {
		contentType := resp.Header.Get("Content-Type")
		if !isImage(contentType) {
			return fetch.Retry(fmt.Errorf("content type %q is not an image", contentType))
		}
		n, err := m.fs.WriteFile(task.LocalPath, body)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := m.fs.Remove(task.LocalPath); err != nil {
				return fmt.Errorf("removing empty file: %w", err)
			}
			return fetch.Retry(errEmptyFile)
		}
		return nil
	})
	return err
}

func isImage(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "image/")
}

var knownExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true,
}

// Extension returns the lower-cased extension of the URL's path when it is
// a known image type, otherwise fallback.
func Extension(rawURL, fallback string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if knownExtensions[ext] {
		return ext
	}
	return fallback
}
