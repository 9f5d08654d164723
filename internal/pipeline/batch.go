package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/patternlens/internal/model"
	"github.com/ppiankov/patternlens/internal/worker"
)

// Runner runs one document through discovery or identification
type Runner interface {
	RunDiscovery(ctx context.Context, doc io.Reader) (*DiscoveryResult, error)
	RunIdentify(ctx context.Context, doc io.Reader) (*IdentifyResult, error)
}

// FileJob runs one document file
type FileJob struct {
	Path   string
	Mode   model.RunMode
	Runner Runner
}

// Execute executes the file job
func (j *FileJob) Execute(ctx context.Context) worker.Result {
	result := &FileResult{Path: j.Path, Mode: j.Mode}

	f, err := os.Open(j.Path)
	if err != nil {
		result.Error = fmt.Errorf("open document: %w", err)
		return result
	}
	defer func() { _ = f.Close() }()

	switch j.Mode {
	case model.ModeIdentify:
		result.Identify, result.Error = j.Runner.RunIdentify(ctx, f)
	default:
		result.Discovery, result.Error = j.Runner.RunDiscovery(ctx, f)
	}
	return result
}

// FileResult is the outcome of one file job
type FileResult struct {
	Path      string
	Mode      model.RunMode
	Discovery *DiscoveryResult
	Identify  *IdentifyResult
	Error     error
}

// GetError returns the error from the file result
func (r *FileResult) GetError() error {
	return r.Error
}

// Summary returns the run summary of whichever mode ran, if any
func (r *FileResult) Summary() *model.RunSummary {
	switch {
	case r.Discovery != nil:
		return &r.Discovery.Summary
	case r.Identify != nil:
		return &r.Identify.Summary
	default:
		return nil
	}
}

// BatchProcessor runs many documents concurrently
type BatchProcessor struct {
	runner      Runner
	concurrency int
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(runner Runner, concurrency int) *BatchProcessor {
	return &BatchProcessor{
		runner:      runner,
		concurrency: concurrency,
	}
}

// ProcessFiles runs every path in mode and returns the results in input order
func (b *BatchProcessor) ProcessFiles(ctx context.Context, paths []string, mode model.RunMode) []*FileResult {
	if len(paths) == 0 {
		return []*FileResult{}
	}

	pool := worker.NewPoolWithContext(ctx, b.concurrency)
	pool.Start()

	for _, path := range paths {
		pool.Submit(&FileJob{Path: path, Mode: mode, Runner: b.runner})
	}

	results := pool.Wait()

	fileResults := make([]*FileResult, len(paths))
	for i, path := range paths {
		if i < len(results) && results[i] != nil {
			fileResults[i] = results[i].(*FileResult)
			continue
		}
		fileResults[i] = &FileResult{Path: path, Mode: mode, Error: fmt.Errorf("not processed: %w", context.Cause(ctx))}
	}
	return fileResults
}

// ProcessList reads document paths from a list file and runs them
func (b *BatchProcessor) ProcessList(ctx context.Context, listPath string, mode model.RunMode) ([]*FileResult, error) {
	paths, err := ReadPathsFromFile(listPath)
	if err != nil {
		return nil, fmt.Errorf("read paths: %w", err)
	}
	return b.ProcessFiles(ctx, paths, mode), nil
}

// ReadPathsFromFile reads document paths from a file (one per line).
// Relative paths are resolved against the list file's directory.
func ReadPathsFromFile(listPath string) ([]string, error) {
	file, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	base := filepath.Dir(listPath)
	var paths []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}

		if !seen[line] {
			seen[line] = true
			paths = append(paths, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return paths, nil
}
