package fsutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSFileSystem_Exists(t *testing.T) {
	fsys := OSFileSystem{}

	if !fsys.Exists("filesystem.go") {
		t.Error("expected filesystem.go to exist")
	}
	if fsys.Exists("nonexistent_file_xyz.go") {
		t.Error("expected nonexistent file to not exist")
	}
}

func TestOSFileSystem_MatchAndList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs[1]")
	fsys := OSFileSystem{}
	require.NoError(t, fsys.MkdirAll(dir, 0755))
	for _, name := range []string{"10_42.ply", "20_42.ply", "10_43.ply", "notes.txt"} {
		require.NoError(t, fsys.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, fsys.MkdirAll(filepath.Join(dir, "sub"), 0755))

	matches, err := MatchFiles(fsys, dir, "10*42*.ply")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "10_42.ply")}, matches)

	files, err := fsys.ListFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 4)
}

func TestCopyDir_OS(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "data", "0_1")
	fsys := OSFileSystem{}
	require.NoError(t, os.WriteFile(filepath.Join(src, "model"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "mpar.txt"), []byte("a==1\n"), 0644))

	n, err := CopyDir(fsys, src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	info, err := os.Stat(filepath.Join(dst, "model"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestMemoryFileSystem_WriteNeedsParent(t *testing.T) {
	mfs := NewMemoryFileSystem()

	err := mfs.WriteFile("/runs/1/mpar_1.txt", []byte("a==1"), 0644)
	assert.True(t, errors.Is(err, fs.ErrNotExist))

	require.NoError(t, mfs.MkdirAll("/runs/1", 0755))
	require.NoError(t, mfs.WriteFile("/runs/1/mpar_1.txt", []byte("a==1"), 0644))

	data, err := mfs.ReadFile("/runs/1/mpar_1.txt")
	require.NoError(t, err)
	assert.Equal(t, "a==1", string(data))
	assert.True(t, mfs.Exists("/runs"))
}

func TestMemoryFileSystem_MatchFiles(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/r/7", 0755))
	require.NoError(t, mfs.MkdirAll("/r/7/nested", 0755))
	for _, name := range []string{"/r/7/100_7.ply", "/r/7/1000_7.ply", "/r/7/200_7.ply", "/r/7/nested/100_7.ply"} {
		require.NoError(t, mfs.WriteFile(name, []byte("ply"), 0644))
	}

	matches, err := MatchFiles(mfs, "/r/7", "100*7*.ply")
	require.NoError(t, err)
	assert.Equal(t, []string{"/r/7/1000_7.ply", "/r/7/100_7.ply"}, matches)

	_, err = MatchFiles(mfs, "/r/7", "[")
	assert.Error(t, err)

	_, err = MatchFiles(mfs, "/r/missing", "*")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestMemoryFileSystem_RenameAndRemoveAll(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/a/b", 0755))
	require.NoError(t, mfs.WriteFile("/a/b/tmp.txt", []byte("new"), 0644))
	require.NoError(t, mfs.WriteFile("/a/b/out.txt", []byte("old"), 0644))

	require.NoError(t, mfs.Rename("/a/b/tmp.txt", "/a/b/out.txt"))
	data, err := mfs.ReadFile("/a/b/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.False(t, mfs.Exists("/a/b/tmp.txt"))

	require.NoError(t, mfs.RemoveAll("/a"))
	assert.False(t, mfs.Exists("/a/b/out.txt"))
	assert.False(t, mfs.Exists("/a/b"))
}

func TestCopyDir_Memory(t *testing.T) {
	mfs := NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/src", 0755))
	require.NoError(t, mfs.WriteFile("/src/a", []byte("1"), 0600))
	require.NoError(t, mfs.WriteFile("/src/b", []byte("2"), 0644))

	n, err := CopyDir(mfs, "/src", "/dst/x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	files, err := mfs.ListFiles("/dst/x")
	require.NoError(t, err)
	assert.Equal(t, []string{"/dst/x/a", "/dst/x/b"}, files)

	_, err = CopyDir(mfs, "/missing", "/dst/y")
	assert.Error(t, err)
}
