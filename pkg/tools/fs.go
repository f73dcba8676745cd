package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileSystem confines file tools to a root directory.
type FileSystem struct {
	Root string
}

// resolve maps a tool-supplied path to a location under Root.
func (f FileSystem) resolve(p string) (string, error) {
	root, err := filepath.Abs(f.Root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", p, root)
	}
	return p, nil
}

// Tools returns the file tools bound to f.
func (f FileSystem) Tools() []Tool {
	return []Tool{WriteFile{fs: f}, ReadFile{fs: f}, ListDir{fs: f}}
}

// WriteFile implements fs.write.
type WriteFile struct{ fs FileSystem }

func (WriteFile) Name() string        { return "fs.write" }
func (WriteFile) Description() string { return "Write content to a file" }
func (WriteFile) Params() []Param {
	return []Param{
		{Name: "path", Type: "string", Description: "File path to write", Required: true},
		{Name: "content", Type: "string", Description: "Content to write", Required: true},
	}
}

func (t WriteFile) Call(_ context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return nil, err
	}
	full, err := t.fs.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": full, "bytes_written": len(content)}, nil
}

// ReadFile implements fs.read.
type ReadFile struct{ fs FileSystem }

func (ReadFile) Name() string        { return "fs.read" }
func (ReadFile) Description() string { return "Read a file" }
func (ReadFile) Params() []Param {
	return []Param{{Name: "path", Type: "string", Description: "File path to read", Required: true}}
}

func (t ReadFile) Call(_ context.Context, args map[string]any) (any, error) {
	p, err := stringArg(args, "path")
	if err != nil {
		return nil, err
	}
	full, err := t.fs.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// ListDir implements fs.list.
type ListDir struct{ fs FileSystem }

func (ListDir) Name() string        { return "fs.list" }
func (ListDir) Description() string { return "List directory entries" }
func (ListDir) Params() []Param {
	return []Param{{Name: "path", Type: "string", Description: "Directory to list (default root)"}}
}

func (t ListDir) Call(_ context.Context, args map[string]any) (any, error) {
	p := "."
	if _, ok := args["path"]; ok {
		s, err := stringArg(args, "path")
		if err != nil {
			return nil, err
		}
		p = s
	}
	full, err := t.fs.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
