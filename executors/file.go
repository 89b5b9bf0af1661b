package executors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/deepnoodle-ai/workgraph"
)

// FileParams defines the parameters of a file unit
type FileParams struct {
	Operation   string `json:"operation"` // read, write, append, delete, exists, mkdir, list
	Path        string `json:"path"`
	Content     string `json:"content"`
	Permissions string `json:"permissions"` // octal, e.g. "0644"
	CreateDirs  bool   `json:"create_dirs"`
}

// FileResult is the output of mutating file operations. Rollback uses it
// to undo the change.
type FileResult struct {
	Path     string `json:"path"`
	Created  bool   `json:"created"`
	Previous string `json:"previous,omitempty"`
	Existed  bool   `json:"existed"`
}

// FileExecutor performs file operations. Writes, appends and mkdir can be
// rolled back: created paths are removed and overwritten content is
// restored.
type FileExecutor struct{}

var _ workgraph.Compensator = (*FileExecutor)(nil)

func NewFileExecutor() *FileExecutor {
	return &FileExecutor{}
}

func (e *FileExecutor) Kind() string {
	return "file"
}

func (e *FileExecutor) Execute(ctx context.Context, unit *workgraph.Unit) (any, error) {
	var params FileParams
	if err := workgraph.DecodeParameters(unit.Parameters, &params); err != nil {
		return nil, workgraph.NewFatalError(err)
	}
	if params.Path == "" {
		return nil, workgraph.NewFatalError(errors.New("path cannot be empty"))
	}
	op := strings.ToLower(params.Operation)
	if op == "" {
		op = "read"
	}

	switch op {
	case "read":
		content, err := os.ReadFile(params.Path)
		if err != nil {
			return nil, err
		}
		return string(content), nil

	case "write", "append":
		if params.CreateDirs {
			if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
				return nil, err
			}
		}
		result := FileResult{Path: params.Path}
		previous, err := os.ReadFile(params.Path)
		switch {
		case err == nil:
			result.Existed = true
			result.Previous = string(previous)
		case errors.Is(err, fs.ErrNotExist):
			result.Created = true
		default:
			return nil, err
		}
		perm, err := parsePermissions(params.Permissions, 0o644)
		if err != nil {
			return nil, workgraph.NewFatalError(err)
		}
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if op == "append" {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(params.Path, flags, perm)
		if err != nil {
			return nil, err
		}
		if _, err := f.WriteString(params.Content); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
		return result, nil

	case "delete":
		if err := os.Remove(params.Path); err != nil {
			return nil, err
		}
		return true, nil

	case "exists":
		_, err := os.Stat(params.Path)
		return err == nil, nil

	case "mkdir":
		perm, err := parsePermissions(params.Permissions, 0o755)
		if err != nil {
			return nil, workgraph.NewFatalError(err)
		}
		_, statErr := os.Stat(params.Path)
		result := FileResult{Path: params.Path, Existed: statErr == nil, Created: statErr != nil}
		if params.CreateDirs {
			err = os.MkdirAll(params.Path, perm)
		} else {
			err = os.Mkdir(params.Path, perm)
		}
		if err != nil && !(result.Existed && errors.Is(err, fs.ErrExist)) {
			return nil, err
		}
		return result, nil

	case "list":
		entries, err := os.ReadDir(params.Path)
		if err != nil {
			return nil, err
		}
		files := make([]string, len(entries))
		for i, entry := range entries {
			if entry.IsDir() {
				files[i] = entry.Name() + "/"
			} else {
				files[i] = entry.Name()
			}
		}
		return files, nil
	}
	return nil, workgraph.NewFatalError(fmt.Errorf("unsupported operation: %s", params.Operation))
}

// Compensate undoes a completed write, append or mkdir.
func (e *FileExecutor) Compensate(ctx context.Context, unit *workgraph.Unit) error {
	var result FileResult
	if !decodeResult(unit.Output, &result) || result.Path == "" {
		return nil
	}
	switch {
	case result.Created:
		if err := os.RemoveAll(result.Path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", result.Path, err)
		}
	case result.Existed && !isDir(result.Path):
		if err := os.WriteFile(result.Path, []byte(result.Previous), 0o644); err != nil {
			return fmt.Errorf("failed to restore %s: %w", result.Path, err)
		}
	}
	return nil
}

// decodeResult converts an output back into a typed result. Outputs
// restored from a checkpoint are generic maps.
func decodeResult(output any, target any) bool {
	if output == nil {
		return false
	}
	data, err := json.Marshal(output)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func parsePermissions(perm string, fallback fs.FileMode) (fs.FileMode, error) {
	if perm == "" {
		return fallback, nil
	}
	mode, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permissions %q: %w", perm, err)
	}
	return fs.FileMode(mode), nil
}
