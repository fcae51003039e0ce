package storage

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideRoot is returned for paths that would escape the root.
	ErrOutsideRoot = errors.New("path escapes root")
	// ErrEmptyPath is returned when a path names the root itself.
	ErrEmptyPath = errors.New("empty path")
	// ErrInvalidPath is returned for paths containing NUL bytes.
	ErrInvalidPath = errors.New("invalid path")
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// slash-based relative path with no leading slash ("" means root). It does
// not reject ".."; use ValidateRelPath for untrusted input.
func CleanRelPath(p string) string {
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// ValidateRelPath checks an untrusted relative path and returns its clean
// form. Any ".." segment or drive prefix is rejected outright rather than
// cleaned away; a leading slash is stripped.
func ValidateRelPath(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	if strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", ErrOutsideRoot
		}
	}
	if len(slashed) >= 2 && slashed[1] == ':' {
		return "", ErrOutsideRoot
	}
	clean := CleanRelPath(slashed)
	if clean == "" {
		return "", ErrEmptyPath
	}
	return clean, nil
}

// JoinWithinRoot returns an absolute filesystem path under rootAbs for a
// validated relative path.
func JoinWithinRoot(rootAbs, rel string) (string, error) {
	rel, err := ValidateRelPath(rel)
	if err != nil {
		return "", err
	}
	abs := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	root := filepath.Clean(rootAbs)
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

// SecureFilename reduces an uploaded filename to a safe base name: the last
// path element, with leading dots and spaces removed. It returns "" when
// nothing usable is left.
func SecureFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		if r == 0 || r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ". ")
	name = strings.TrimSpace(name)
	return name
}

// Ext returns the lower-cased extension of name without the dot.
func Ext(name string) string {
	ext := path.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
