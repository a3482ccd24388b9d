//go:build unix

package shm

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
)

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "mediacore-shm")
	if err != nil {
		panic(err)
	}
	shmDir = dir
	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

func startSink(t *testing.T, opts Options) *Sink {
	t.Helper()
	s := NewSink(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestSink_StartCreatesHeaderOnlySegment(t *testing.T) {
	s := startSink(t, Options{Prefix: "test"})

	name := s.OpenedName()
	assert.Regexp(t, `^test_shm_\d+_\d+$`, name)
	assert.Equal(t, HeaderSize, s.AreaLen())

	st, err := os.Stat(filepath.Join(shmDir, name))
	require.NoError(t, err)
	assert.EqualValues(t, HeaderSize, st.Size())
}

func TestSink_GeneratedNamesAreUnique(t *testing.T) {
	a := startSink(t, Options{Prefix: "uniq"})
	b := startSink(t, Options{Prefix: "uniq"})
	assert.NotEqual(t, a.OpenedName(), b.OpenedName())
}

func TestSink_ExplicitNameMustBeFree(t *testing.T) {
	startSink(t, Options{Name: "fixed_name"})
	s := NewSink(Options{Name: "fixed_name"})
	assert.Error(t, s.Start())
}

func TestSink_ResizeAreaNeverShrinks(t *testing.T) {
	s := startSink(t, Options{})

	require.NoError(t, s.ResizeArea(4096))
	assert.Equal(t, HeaderSize+4096, s.AreaLen())

	tests := []int{0, 100, 4096}
	for _, n := range tests {
		require.NoError(t, s.ResizeArea(n))
		assert.Equal(t, HeaderSize+4096, s.AreaLen(), "resize to %d", n)
	}

	require.NoError(t, s.ResizeArea(8192))
	assert.Equal(t, HeaderSize+8192, s.AreaLen())
}

func TestSink_NotStarted(t *testing.T) {
	s := NewSink(Options{})
	assert.ErrorIs(t, s.Render([]byte{1}), ErrNotStarted)
	assert.ErrorIs(t, s.ResizeArea(10), ErrNotStarted)
	assert.NoError(t, s.Stop())
	assert.Empty(t, s.OpenedName())
}

func TestSink_RenderAndRead(t *testing.T) {
	s := startSink(t, Options{})
	r, err := Attach(s.OpenedName())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, s.Render([]byte("first frame")))
	require.True(t, r.Wait(time.Second))
	data, gen, err := r.ReadFrame(nil)
	require.NoError(t, err)
	assert.Equal(t, "first frame", string(data))
	assert.EqualValues(t, 1, gen)

	// Growing the segment past the reader's mapping forces a remap.
	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, s.Render(big))
	require.True(t, r.Wait(time.Second))
	data, gen, err = r.ReadFrame(data)
	require.NoError(t, err)
	assert.Equal(t, big, data)
	assert.EqualValues(t, 2, gen)
	assert.EqualValues(t, 2, r.LastGeneration())
}

func TestSink_RenderCallback(t *testing.T) {
	s := startSink(t, Options{})
	r, err := Attach(s.OpenedName())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, s.RenderCallback(4, func(buf []byte) error {
		copy(buf, []byte{9, 8, 7, 6})
		return nil
	}))
	require.True(t, r.Wait(time.Second))
	data, _, err := r.ReadFrame(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7, 6}, data)

	assert.ErrorIs(t, s.RenderCallback(4, func([]byte) error { return video.ErrInvalidFrame }), video.ErrInvalidFrame)
	assert.False(t, r.Wait(20*time.Millisecond), "failed renders do not notify")
}

func TestSink_RenderFrameConvertsToBGRA(t *testing.T) {
	s := startSink(t, Options{})
	r, err := Attach(s.OpenedName())
	require.NoError(t, err)
	defer r.Close()

	frame := video.NewVideoFrame()
	require.NoError(t, frame.Alloc(video.FormatI420, 16, 8))
	frame.FillBlack()

	require.NoError(t, s.RenderFrame(frame))
	w, h := s.FrameSize()
	assert.Equal(t, 16, w)
	assert.Equal(t, 8, h)

	require.True(t, r.Wait(time.Second))
	data, _, err := r.ReadFrame(nil)
	require.NoError(t, err)
	require.Len(t, data, video.FrameSize(video.FormatBGRA, 16, 8))
	assert.Equal(t, byte(0xff), data[3], "alpha channel is opaque")

	assert.ErrorIs(t, s.RenderFrame(video.NewVideoFrame()), video.ErrInvalidFrame)
}

func TestSink_ObservesGenerator(t *testing.T) {
	s := startSink(t, Options{Format: video.FormatI420})
	r, err := Attach(s.OpenedName())
	require.NoError(t, err)
	defer r.Close()

	g := observer.NewGenerator()
	require.True(t, g.Attach(s))
	f := g.GetNewFrame()
	require.NoError(t, f.Alloc(video.FormatI420, 8, 8))
	f.FillBlack()
	g.PublishFrame()

	require.True(t, r.Wait(time.Second))
	data, _, err := r.ReadFrame(nil)
	require.NoError(t, err)
	assert.Equal(t, f.Bytes(), data)
	g.Detach(s)
}

func TestSink_StopWakesReader(t *testing.T) {
	s := NewSink(Options{})
	require.NoError(t, s.Start())
	name := s.OpenedName()
	r, err := Attach(name)
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var woke bool
	go func() {
		defer wg.Done()
		woke = r.Wait(5 * time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Stop())
	wg.Wait()
	assert.True(t, woke)

	_, _, err = r.ReadFrame(nil)
	assert.ErrorIs(t, err, ErrSinkStopped)

	_, err = os.Stat(filepath.Join(shmDir, name))
	assert.True(t, os.IsNotExist(err), "segment is unlinked")
}

func TestAttachErrors(t *testing.T) {
	_, err := Attach("does_not_exist")
	assert.Error(t, err)

	path := filepath.Join(shmDir, "too_small")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o600))
	_, err = Attach("too_small")
	assert.ErrorIs(t, err, ErrInvalidSegment)
}

// failMmap makes every new segment mapping fail until the test ends.
func failMmap(t *testing.T) {
	t.Helper()
	mmap = func(int, int64, int, int, int) ([]byte, error) { return nil, unix.ENOMEM }
	t.Cleanup(func() { mmap = unix.Mmap })
}

// within runs fn and fails the test if it does not return in time.
func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("blocked on the segment mutex")
	}
}

func TestSink_FailedGrowReleasesReader(t *testing.T) {
	s := NewSink(Options{})
	require.NoError(t, s.Start())
	name := s.OpenedName()
	r, err := Attach(name)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, s.Render([]byte("small")))
	require.True(t, r.Wait(time.Second))
	_, _, err = r.ReadFrame(nil)
	require.NoError(t, err)

	failMmap(t)
	err = s.Render(make([]byte, 64*1024))
	assert.ErrorIs(t, err, unix.ENOMEM)

	var readErr error
	within(t, time.Second, func() {
		if r.Wait(time.Second) {
			_, _, readErr = r.ReadFrame(nil)
		}
	})
	assert.ErrorIs(t, readErr, ErrSinkStopped)

	_, err = os.Stat(filepath.Join(shmDir, name))
	assert.True(t, os.IsNotExist(err), "segment is unlinked")
	assert.ErrorIs(t, s.Render([]byte("late")), ErrNotStarted)
	assert.NoError(t, s.Stop())
}

func TestReader_FailedRemapReleasesSink(t *testing.T) {
	s := startSink(t, Options{})
	r, err := Attach(s.OpenedName())
	require.NoError(t, err)
	defer r.Close()

	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, s.Render(big))
	require.True(t, r.Wait(time.Second))

	failMmap(t)
	_, _, err = r.ReadFrame(nil)
	assert.ErrorIs(t, err, unix.ENOMEM)
	assert.False(t, r.Wait(0), "an unmapped reader does not wait")

	within(t, time.Second, func() {
		assert.NoError(t, s.Render(big))
	})

	mmap = unix.Mmap
	data, gen, err := r.ReadFrame(nil)
	require.NoError(t, err)
	assert.Equal(t, big, data)
	assert.EqualValues(t, 2, gen)
}
