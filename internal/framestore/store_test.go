package framestore

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/splat"
)

func init() {
	monitoring.SetLogger(nil)
}

func plyBytes(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, splat.Encode(&buf, splat.NewGaussianCloud(n, 0)))
	return buf.Bytes()
}

func writeFrames(t *testing.T, m *fsutil.MemoryFileSystem, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, m.WriteFile(filepath.Join(dir, name), plyBytes(t, 2), 0644))
	}
}

func frameNames(seq *Sequence) []string {
	var names []string
	for _, f := range seq.Frames {
		names = append(names, filepath.Base(f.Path))
	}
	return names
}

func TestDiscover_RenumbersDensely(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	writeFrames(t, m, "/clip_gaussians", "frame_0010.ply", "frame_0003.ply", "frame_0005.ply")

	seq, err := NewStore(m).Discover("/clip_gaussians")
	require.NoError(t, err)

	want := []Frame{
		{Index: 0, Path: "/clip_gaussians/frame_0003.ply", Number: 3},
		{Index: 1, Path: "/clip_gaussians/frame_0005.ply", Number: 5},
		{Index: 2, Path: "/clip_gaussians/frame_0010.ply", Number: 10},
	}
	opts := []cmp.Option{
		cmpopts.IgnoreUnexported(Frame{}),
		cmpopts.IgnoreFields(Frame{}, "SizeHint"),
	}
	if diff := cmp.Diff(want, seq.Frames, opts...); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 3, seq.Len())
	assert.Greater(t, seq.Frames[0].SizeHint, int64(0))
	assert.Equal(t, 3*seq.Frames[0].SizeHint, seq.TotalBytes())
}

func TestDiscover_OrderingAndFiltering(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	writeFrames(t, m, "/seq",
		"frame_10.ply",
		"frame_2.PLY",
		"cam2_frame_7.ply", // last digit run wins
		"b_01.ply",
		"a_1.ply",
		"notes.txt",
		"cover.ply",          // no digits
		"._frame_0001.ply",   // hidden
		"frame_3.ply.backup", // wrong extension
	)
	require.NoError(t, m.MkdirAll("/seq/frame_4.ply", 0755))

	seq, err := NewStore(m).Discover("/seq")
	require.NoError(t, err)

	assert.Equal(t, []string{"a_1.ply", "b_01.ply", "frame_2.PLY", "cam2_frame_7.ply", "frame_10.ply"}, frameNames(seq))
	for i, f := range seq.Frames {
		assert.Equal(t, i, f.Index)
	}
}

func TestDiscover_NotFound(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	require.NoError(t, m.MkdirAll("/empty", 0755))
	require.NoError(t, m.WriteFile("/file.ply", plyBytes(t, 1), 0644))
	require.NoError(t, m.WriteFile("/junk/readme.md", []byte("x"), 0644))

	store := NewStore(m)
	for _, dir := range []string{"/missing", "/empty", "/file.ply", "/junk"} {
		seq, err := store.Discover(dir)
		assert.Nil(t, seq, dir)
		assert.ErrorIs(t, err, ErrNotFound, dir)
	}
}

func TestLoad(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	writeFrames(t, m, "/seq", "frame_1.ply", "frame_2.ply", "frame_3.ply")
	require.NoError(t, m.WriteFile("/seq/frame_2.ply", []byte("ply\nformat ascii 1.0\ngarbage\n"), 0644))

	store := NewStore(m)
	seq, err := store.Discover("/seq")
	require.NoError(t, err)

	cloud, err := store.Load(seq.Frames[0])
	require.NoError(t, err)
	assert.Equal(t, 2, cloud.Len())
	assert.True(t, cloud.HasGaussianAttributes())

	_, err = store.Load(seq.Frames[1])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptAsset)
	assert.ErrorIs(t, err, splat.ErrMalformed)
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 1, fe.Index)
	assert.Equal(t, "/seq/frame_2.ply", fe.Path)

	require.NoError(t, m.Remove("/seq/frame_3.ply"))
	_, err = store.Load(seq.Frames[2])
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrCorruptAsset)
	assert.Contains(t, err.Error(), "frame 2")
}

func TestLoad_ImplausibleVertexCount(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	headers := map[string]string{
		"frame_0.ply": "element vertex 200000000000",
		"frame_1.ply": "element vertex 4611686018427387904",
	}
	for name, el := range headers {
		src := "ply\nformat binary_little_endian 1.0\n" + el + "\nproperty float x\nend_header\n\x00\x00\x80\x3f"
		require.NoError(t, m.WriteFile("/seq/"+name, []byte(src), 0644))
	}

	store := NewStore(m)
	seq, err := store.Discover("/seq")
	require.NoError(t, err)
	require.Equal(t, 2, seq.Len())
	for _, f := range seq.Frames {
		cloud, err := store.Load(f)
		assert.Nil(t, cloud, f.Path)
		assert.ErrorIs(t, err, ErrCorruptAsset, f.Path)
		assert.ErrorIs(t, err, splat.ErrMalformed, f.Path)
	}
}

func TestRefresh_AppendsNewFrames(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	writeFrames(t, m, "/seq", "frame_0001.ply", "frame_0002.ply")

	store := NewStore(m)
	seq, err := store.Discover("/seq")
	require.NoError(t, err)

	same, added, err := store.Refresh(seq)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 2, same.Len())

	// An out-of-order late arrival below the last number is not appended.
	writeFrames(t, m, "/seq", "frame_0004.ply", "frame_0003.ply", "frame_0000.ply")
	next, added, err := store.Refresh(seq)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, []string{"frame_0001.ply", "frame_0002.ply", "frame_0003.ply", "frame_0004.ply"}, frameNames(next))
	assert.Equal(t, 3, next.Frames[3].Index)

	// The original sequence is untouched.
	assert.Equal(t, 2, seq.Len())

	_, _, err = store.Refresh(nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_OSFileSystem(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_2.ply", "frame_1.ply"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), plyBytes(t, 3), 0644))
	}

	store := NewStore(nil)
	seq, err := store.Discover(dir)
	require.NoError(t, err)
	require.Equal(t, 2, seq.Len())
	assert.Equal(t, int64(1), seq.Frames[0].Number)

	cloud, err := store.Load(seq.Frames[1])
	require.NoError(t, err)
	assert.Equal(t, 3, cloud.Len())
}

func TestFrameToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		ok    bool
	}{
		{"frame_0003.ply", "3", true},
		{"frame_0000.ply", "0", true},
		{"0042.Ply", "42", true},
		{"v2_frame12x.ply", "12", true},
		{"frame.ply", "", false},
		{"frame_1.txt", "", false},
		{".frame_1.ply", "", false},
	}
	for _, tt := range tests {
		token, ok := FrameToken(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		assert.Equal(t, tt.token, token, tt.name)
	}
}

func TestCompareTokens_LargeNumbers(t *testing.T) {
	assert.Equal(t, -1, compareTokens("9", "10"))
	assert.Equal(t, 1, compareTokens("99999999999999999999", "9223372036854775807"))
	assert.Equal(t, 0, compareTokens("12", "12"))
	assert.Equal(t, int64(math.MaxInt64), parseNumber("99999999999999999999"))
}

func TestSequence_FrameBounds(t *testing.T) {
	var nilSeq *Sequence
	assert.Equal(t, 0, nilSeq.Len())
	_, ok := nilSeq.Frame(0)
	assert.False(t, ok)

	seq := &Sequence{Frames: []Frame{{Index: 0, Path: "a"}}}
	f, ok := seq.Frame(0)
	assert.True(t, ok)
	assert.Equal(t, "a", f.Path)
	_, ok = seq.Frame(1)
	assert.False(t, ok)
	_, ok = seq.Frame(-1)
	assert.False(t, ok)
}

func TestDiscover_ReadsMetadata(t *testing.T) {
	m := fsutil.NewMemoryFileSystem()
	writeFrames(t, m, "/clip_gaussians", "frame_0001.ply")
	require.NoError(t, WriteMetadata(m, "/clip_gaussians", Metadata{FPS: 24, Source: "/videos/clip.mp4", Frames: 1}))

	seq, err := NewStore(m).Discover("/clip_gaussians")
	require.NoError(t, err)
	assert.Equal(t, 24.0, seq.FPS)
	assert.Equal(t, "/videos/clip.mp4", seq.Source)
	assert.Equal(t, 1, seq.Len(), "the sidecar is not a frame")

	md, err := ReadMetadata(m, "/nowhere")
	assert.NoError(t, err)
	assert.Nil(t, md)

	require.NoError(t, m.WriteFile("/bad/sequence.json", []byte("{"), 0644))
	_, err = ReadMetadata(m, "/bad")
	assert.Error(t, err)
}
