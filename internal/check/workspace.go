package check

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/session"
)

// targets returns the absolute paths a check considers: the editables, or
// every included file when there are none.
func targets(cfg *config.Config, fsys afero.Fs, sess *session.Session) (paths []string, editables bool, err error) {
	if sess != nil && len(sess.Editables) > 0 {
		abs, err := sess.AbsEditables(cfg)
		return abs, true, err
	}
	files, err := cfg.IncludedFiles(fsys)
	if err != nil {
		return nil, false, err
	}
	for _, f := range files {
		abs, err := cfg.Abspath(f)
		if err != nil {
			return nil, false, err
		}
		paths = append(paths, abs)
	}
	return paths, false, nil
}

func hasExt(paths []string, ext string) bool {
	for _, p := range paths {
		if filepath.Ext(p) == ext {
			return true
		}
	}
	return false
}

// Workspace finds the directory holding marker (such as go.mod) that a
// check should run in. With editables it is the innermost marker enclosing
// their common ancestor; otherwise the outermost marker above any included
// file.
func Workspace(cfg *config.Config, fsys afero.Fs, sess *session.Session, marker string) (string, error) {
	paths, editables, err := targets(cfg, fsys, sess)
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", errs.New(errs.WorkspaceNotFound, "", "no files to check")
	}

	if editables {
		for dir := commonAncestor(paths); ; dir = filepath.Dir(dir) {
			if exists(fsys, filepath.Join(dir, marker)) {
				return dir, nil
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
		return "", errs.New(errs.WorkspaceNotFound, "", "workspace root not found (no %s)", marker)
	}

	outer := ""
	for _, p := range paths {
		for dir := filepath.Dir(p); ; dir = filepath.Dir(dir) {
			if exists(fsys, filepath.Join(dir, marker)) && (outer == "" || depth(dir) < depth(outer)) {
				outer = dir
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}
	if outer == "" {
		return "", errs.New(errs.WorkspaceNotFound, "", "workspace root not found (no %s)", marker)
	}
	return outer, nil
}

func commonAncestor(paths []string) string {
	common := filepath.Dir(paths[0])
	for _, p := range paths[1:] {
		for !within(p, common) {
			parent := filepath.Dir(common)
			if parent == common {
				return common
			}
			common = parent
		}
	}
	return common
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func depth(dir string) int {
	return strings.Count(filepath.Clean(dir), string(filepath.Separator))
}

func exists(fsys afero.Fs, path string) bool {
	ok, _ := afero.Exists(fsys, path)
	return ok
}
