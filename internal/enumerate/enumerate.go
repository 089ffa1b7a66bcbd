// Package enumerate lists the input files of a run in a stable order.
package enumerate

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus-cli/internal/model"
)

// Enumerate walks root and returns every regular file whose name ends with one
// of extensions. Files are sorted by relative path and indexed from zero, so
// the same tree always yields the same indices.
func Enumerate(root string, extensions []string, binary bool) ([]model.InputFile, error) {
	var rel []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || !hasExtension(d.Name(), extensions) {
			return nil
		}
		r, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = append(rel, filepath.ToSlash(r))
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "enumerate: walk %s", root)
	}

	sort.Strings(rel)
	files := make([]model.InputFile, len(rel))
	for i, p := range rel {
		files[i] = model.InputFile{Index: i, RelPath: p, Binary: binary}
	}
	return files, nil
}

func hasExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Pending drops files present in done. Indices are kept, so document ids stay
// stable across resumes.
func Pending(files []model.InputFile, done map[string]string) []model.InputFile {
	var out []model.InputFile
	for _, f := range files {
		if _, ok := done[f.RelPath]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Stream yields files on a channel, stopping early when ctx is cancelled.
// The channel is closed when all files were sent or ctx is done.
func Stream(ctx context.Context, files []model.InputFile) <-chan model.InputFile {
	ch := make(chan model.InputFile)
	go func() {
		defer close(ch)
		for _, f := range files {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
