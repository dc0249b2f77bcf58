package batch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExtensions are the image types collected when none are given.
var DefaultExtensions = []string{"png", "jpg", "jpeg"}

// Job is one input image and where its upscaled version goes.
type Job struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// CollectOptions controls CollectJobs.
type CollectOptions struct {
	Extensions []string // lower case, without dot; empty means DefaultExtensions
	Recursive  bool
}

// CollectJobs lists the images under input. When input is a file, output is
// the destination file. When input is a directory, output is a directory and
// each image keeps its relative path.
func CollectJobs(input, output string, opts CollectOptions) ([]Job, error) {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	info, err := os.Stat(input)
	if err != nil {
		return nil, fmt.Errorf("batch: stat input: %w", err)
	}
	if !info.IsDir() {
		return []Job{{Input: input, Output: output}}, nil
	}

	var jobs []Job
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != input && !opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !hasExtension(path, exts) {
			return nil
		}
		rel, err := filepath.Rel(input, path)
		if err != nil {
			return err
		}
		jobs = append(jobs, Job{Input: path, Output: filepath.Join(output, rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch: collect jobs: %w", err)
	}
	return jobs, nil
}

func hasExtension(path string, exts []string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return ext != "" && slices.Contains(exts, ext)
}
