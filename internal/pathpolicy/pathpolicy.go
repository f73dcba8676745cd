// Package pathpolicy decides whether file paths reported by an agent's tool
// calls stay within an allowed region of a workspace. Paths are judged
// lexically; nothing is read from disk.
package pathpolicy

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrOutsidePolicy is wrapped by every CheckPath and CheckSize rejection.
var ErrOutsidePolicy = errors.New("outside path policy")

// Policy enforces allowed/denied path prefixes, denied base-name patterns
// and a size limit.
type Policy struct {
	root           string
	allowed        []string
	denied         []string
	deniedPatterns []string
	maxSize        int64 // bytes, 0 means unlimited
}

// Config holds the policy configuration. Relative entries in Allowed and
// Denied, and relative paths later passed to CheckPath, are resolved
// against Root.
type Config struct {
	Root           string   `yaml:"root" json:"root"`
	Allowed        []string `yaml:"allowed" json:"allowed"`
	Denied         []string `yaml:"denied" json:"denied"`
	DeniedPatterns []string `yaml:"denied_patterns" json:"denied_patterns"` // e.g. "*.env", "id_rsa*"
	MaxSize        string   `yaml:"max_size" json:"max_size"`               // e.g. "10MiB", "500KB"
}

// New creates a Policy from cfg.
func New(cfg Config) (*Policy, error) {
	root := cfg.Root
	if root == "" {
		root = "/"
	}
	p := &Policy{root: filepath.Clean(root)}

	for _, a := range cfg.Allowed {
		p.allowed = append(p.allowed, p.resolve(a))
	}
	for _, d := range cfg.Denied {
		p.denied = append(p.denied, p.resolve(d))
	}
	for _, pat := range cfg.DeniedPatterns {
		if _, err := filepath.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("pathpolicy: bad pattern %q: %w", pat, err)
		}
		p.deniedPatterns = append(p.deniedPatterns, pat)
	}

	if cfg.MaxSize != "" {
		size, err := ParseSize(cfg.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("pathpolicy: parse max_size %q: %w", cfg.MaxSize, err)
		}
		p.maxSize = size
	}
	return p, nil
}

func (p *Policy) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(p.root, path)
}

func within(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

// CheckPath returns nil when path is permitted. Denials take precedence
// over allowances. With no allowed prefixes every non-denied path passes.
func (p *Policy) CheckPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrOutsidePolicy)
	}
	abs := p.resolve(path)

	base := filepath.Base(abs)
	for _, pat := range p.deniedPatterns {
		if ok, _ := filepath.Match(pat, base); ok {
			return fmt.Errorf("%w: %q matches denied pattern %q", ErrOutsidePolicy, abs, pat)
		}
	}
	for _, denied := range p.denied {
		if within(abs, denied) {
			return fmt.Errorf("%w: %q is under denied path %q", ErrOutsidePolicy, abs, denied)
		}
	}

	if len(p.allowed) == 0 {
		return nil
	}
	for _, allowed := range p.allowed {
		if within(abs, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not under any allowed path %v", ErrOutsidePolicy, abs, p.allowed)
}

// CheckSize returns nil when size is within the configured limit.
func (p *Policy) CheckSize(size int64) error {
	if p.maxSize <= 0 || size <= p.maxSize {
		return nil
	}
	return fmt.Errorf("%w: %d bytes exceeds maximum %s", ErrOutsidePolicy, size, FormatSize(p.maxSize))
}

// MaxSize returns the limit in bytes, or 0 when unlimited.
func (p *Policy) MaxSize() int64 { return p.maxSize }

// Allowed returns the resolved allowed prefixes.
func (p *Policy) Allowed() []string { return p.allowed }

// Denied returns the resolved denied prefixes.
func (p *Policy) Denied() []string { return p.denied }

// ParseSize parses a human-readable size into bytes. Decimal units ("10MB")
// and binary units ("10MiB") are both accepted; a bare number is bytes.
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(n), nil
}

// FormatSize renders bytes in binary units, e.g. "1.5 KiB".
func FormatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
