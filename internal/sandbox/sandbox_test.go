package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSandbox(t *testing.T) (*Sandbox, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "arquivo.txt"), []byte("conteudo"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subdir", "aninhado.txt"), []byte("aninhado"), 0o644))
	s, err := New(dir)
	require.NoError(t, err)
	return s, dir
}

func TestOpenServesFileWithinRoot(t *testing.T) {
	s, _ := newTestSandbox(t)
	f, err := s.Open("arquivo.txt")
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 8)
	n, _ := f.Read(buf)
	assert.Equal(t, "conteudo", string(buf[:n]))
}

func TestOpenServesNestedFile(t *testing.T) {
	s, _ := newTestSandbox(t)
	f, err := s.Open(filepath.Join("subdir", "aninhado.txt"))
	require.NoError(t, err)
	f.Close()
}

func TestOpenRejectsAbsolutePath(t *testing.T) {
	s, _ := newTestSandbox(t)
	_, err := s.Open("/etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsParentEscape(t *testing.T) {
	s, _ := newTestSandbox(t)
	_, err := s.Open("../outro/arquivo.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsDotDotInMiddle(t *testing.T) {
	s, _ := newTestSandbox(t)
	_, err := s.Open(filepath.Join("subdir", "..", "..", "arquivo.txt"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsDirectory(t *testing.T) {
	s, _ := newTestSandbox(t)
	_, err := s.Open("subdir")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsMissingFile(t *testing.T) {
	s, _ := newTestSandbox(t)
	_, err := s.Open("nao-existe.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSizeMatchesFileContent(t *testing.T) {
	s, _ := newTestSandbox(t)
	size, err := s.Size("arquivo.txt")
	require.NoError(t, err)
	assert.EqualValues(t, len("conteudo"), size)
}

func TestPathStaysWithinRoot(t *testing.T) {
	s, dir := newTestSandbox(t)
	p, err := s.Path("arquivo.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "arquivo.txt"), p)
}

func TestListReturnsOnlyTopLevelFiles(t *testing.T) {
	s, _ := newTestSandbox(t)
	names, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"arquivo.txt"}, names)
}
