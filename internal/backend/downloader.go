package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// DownloadInput mirrors the downloader input_descriptor.
type DownloadInput struct {
	URL    string `json:"url"`
	Format string `json:"format"`
}

// DownloadResult lists the files a completed download produced.
type DownloadResult struct {
	Paths []string `json:"paths"`
}

// IdentifyResult is one catalog match returned by a source lookup.
type IdentifyResult struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	URL      string `json:"url"`
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|429|too many requests`)
var notFoundPattern = regexp.MustCompile(`(?i)not found|404|no results`)

var progressLinePattern = regexp.MustCompile(`(?i)progress:\s*([\d.]+)%?(?:\s+speed:\s*(\S+))?(?:\s+eta:\s*(\S+))?(?:\s+phase:\s*(\S+))?`)

// Downloader supervises a yt-dlp/spotdl-class subprocess, parsing its
// progress lines and classifying rate-limit/not-found output into
// distinct error kinds.
type Downloader struct {
	mu        sync.Mutex
	loaded    bool
	loadErr   error
	toolPath  string
	outputDir string
	limiter   *rate.Limiter

	cancelled int32 // set via Cancel, cleared when a download starts, polled before each output line
}

// NewDownloader configures a Downloader invoking toolPath, writing into
// outputDir, admitting at most minRate subprocess launches per second
// (burst of one) to avoid hammering the upstream source.
func NewDownloader(toolPath, outputDir string, minRate float64) *Downloader {
	return &Downloader{
		toolPath:  toolPath,
		outputDir: outputDir,
		limiter:   rate.NewLimiter(rate.Limit(minRate), 1),
	}
}

func (d *Downloader) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded && d.loadErr == nil
}

func (d *Downloader) Load(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return d.loadErr
	}
	if _, err := exec.LookPath(d.toolPath); err != nil {
		d.loadErr = NewError(KindToolingMissing, err)
	}
	d.loaded = true
	return d.loadErr
}

// Cancel requests cooperative termination of an in-flight download; it
// takes effect the next time the subprocess emits an output line.
func (d *Downloader) Cancel() {
	atomic.StoreInt32(&d.cancelled, 1)
}

// Download runs the subprocess, streaming parsed Progress to onProgress
// as lines arrive, until it exits or ctx is cancelled.
func (d *Downloader) Download(ctx context.Context, in DownloadInput, onProgress ProgressFunc) (DownloadResult, error) {
	if err := d.Load(ctx); err != nil {
		return DownloadResult{}, err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return DownloadResult{}, NewError(KindUpstreamError, err)
	}
	atomic.StoreInt32(&d.cancelled, 0)

	cmd := exec.CommandContext(ctx, d.toolPath,
		in.URL, "--format", in.Format, "--output", d.outputDir)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return DownloadResult{}, NewError(KindIOFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return DownloadResult{}, NewError(KindToolingMissing, err)
	}

	var paths []string
	var sawRateLimit, sawNotFound bool
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if atomic.LoadInt32(&d.cancelled) == 1 {
			_ = cmd.Process.Kill()
			break
		}
		line := scanner.Text()
		switch {
		case rateLimitPattern.MatchString(line):
			sawRateLimit = true
		case notFoundPattern.MatchString(line):
			sawNotFound = true
		case strings.HasPrefix(strings.ToLower(line), "saved:"):
			paths = append(paths, strings.TrimSpace(strings.SplitN(line, ":", 2)[1]))
		default:
			if m := progressLinePattern.FindStringSubmatch(line); m != nil && onProgress != nil {
				frac, _ := strconv.ParseFloat(m[1], 64)
				onProgress(Progress{Fraction: frac / 100, Speed: m[2], ETA: m[3], Phase: m[4]})
			}
		}
	}

	waitErr := cmd.Wait()
	if atomic.LoadInt32(&d.cancelled) == 1 {
		return DownloadResult{}, NewError(KindIOFailed, fmt.Errorf("cancelled"))
	}
	if sawRateLimit {
		return DownloadResult{}, NewError(KindRateLimited, waitErr)
	}
	if sawNotFound {
		return DownloadResult{}, NewError(KindNotFound, waitErr)
	}
	if waitErr != nil {
		return DownloadResult{}, NewError(KindIOFailed, waitErr)
	}
	return DownloadResult{Paths: paths}, nil
}

// Identify runs the tool's catalog-lookup mode against query, parsing one
// JSON object per output line into an IdentifyResult. Backs the source
// catalog search extension route; unlike Download this never writes files.
func (d *Downloader) Identify(ctx context.Context, query string) ([]IdentifyResult, error) {
	if err := d.Load(ctx); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, d.toolPath, "--identify", query)
	out, err := cmd.Output()
	if err != nil {
		return nil, NewError(KindUpstreamError, err)
	}
	var results []IdentifyResult
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var r IdentifyResult
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}
