package patch

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const root = "/proj"

type rootResolver string

func (r rootResolver) Abspath(p string) (string, error) {
	return filepath.Join(string(r), filepath.FromSlash(p)), nil
}

func newFS(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fsys, filepath.Join(root, name), []byte(content), 0o644))
	}
	return fsys
}

func readFile(t *testing.T, fsys afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fsys, filepath.Join(root, name))
	require.NoError(t, err)
	return string(data)
}

func exists(fsys afero.Fs, name string) bool {
	ok, _ := afero.Exists(fsys, filepath.Join(root, name))
	return ok
}
