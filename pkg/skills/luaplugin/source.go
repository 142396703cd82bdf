package luaplugin

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// source is the artifact a plugin loads its code from: an unpacked
// directory or a zip archive. Paths inside it are slash separated.
type source struct {
	fsys   fs.FS
	closer io.Closer
	origin string
}

func dirSource(dir string) (*source, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lua source directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}
	return &source{fsys: os.DirFS(dir), origin: dir}, nil
}

func archiveSource(archive string) (*source, error) {
	rc, err := zip.OpenReader(archive)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lua archive")
	}
	return &source{fsys: rc, closer: rc, origin: archive}, nil
}

func (s *source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// resolve maps a module name such as "util.strings" to a file in the
// artifact. It tries util/strings.lua, then util/strings/init.lua, then the
// shallowest **/util/strings.lua so that archives with a top-level folder
// still resolve.
func (s *source) resolve(module string) (string, error) {
	if module == "" || strings.Contains(module, "..") {
		return "", errors.Errorf("invalid module name %q", module)
	}
	base := strings.ReplaceAll(module, ".", "/")

	for _, candidate := range []string{base + ".lua", path.Join(base, "init.lua")} {
		if info, err := fs.Stat(s.fsys, candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	matches, err := doublestar.Glob(s.fsys, "**/"+base+".lua")
	if err != nil {
		return "", errors.Wrapf(err, "failed to search for module %s", module)
	}
	if len(matches) == 0 {
		return "", errors.Errorf("module %s not found in %s", module, s.origin)
	}
	sort.Slice(matches, func(i, j int) bool {
		di, dj := strings.Count(matches[i], "/"), strings.Count(matches[j], "/")
		if di != dj {
			return di < dj
		}
		return matches[i] < matches[j]
	})
	return matches[0], nil
}

func (s *source) read(name string) ([]byte, error) {
	b, err := fs.ReadFile(s.fsys, name)
	return b, errors.Wrapf(err, "failed to read %s", name)
}
