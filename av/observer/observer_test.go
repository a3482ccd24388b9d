package observer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mediacore/av/video"
)

type recorder struct {
	mu       sync.Mutex
	updates  []int
	attached int
	detached int
	onUpdate func()
}

func (r *recorder) Update(_ *Observable[int], v int) {
	r.mu.Lock()
	r.updates = append(r.updates, v)
	cb := r.onUpdate
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (r *recorder) Attached(*Observable[int]) { r.attached++ }
func (r *recorder) Detached(*Observable[int]) { r.detached++ }

func TestObservable_AttachDetach(t *testing.T) {
	var o Observable[int]
	r := &recorder{}

	assert.True(t, o.Attach(r))
	assert.False(t, o.Attach(r), "double attach is rejected")
	assert.Equal(t, 1, o.ObserverCount())
	assert.Equal(t, 1, r.attached)
	assert.True(t, o.IsAttached(r))

	o.Notify(1)
	o.Notify(2)
	assert.Equal(t, []int{1, 2}, r.updates)

	assert.True(t, o.Detach(r))
	assert.False(t, o.Detach(r))
	assert.Equal(t, 1, r.detached)

	o.Notify(3)
	assert.Equal(t, []int{1, 2}, r.updates)
}

func TestObservable_DetachDuringNotify(t *testing.T) {
	var o Observable[int]
	a, b := &recorder{}, &recorder{}
	a.onUpdate = func() { o.Detach(a) }

	o.Attach(a)
	o.Attach(b)
	o.Notify(1)
	o.Notify(2)

	assert.Equal(t, []int{1}, a.updates)
	assert.Equal(t, []int{1, 2}, b.updates)
	assert.Equal(t, 1, o.ObserverCount())
}

func TestObservable_AttachDuringNotify(t *testing.T) {
	var o Observable[int]
	late := &recorder{}
	first := &recorder{}
	first.onUpdate = func() { o.Attach(late) }

	o.Attach(first)
	o.Notify(1)
	assert.Empty(t, late.updates, "observers attached mid-notify start with the next value")
	o.Notify(2)
	assert.Equal(t, []int{2}, late.updates)
}

func TestObservable_DetachAll(t *testing.T) {
	var o Observable[int]
	a, b := &recorder{}, &recorder{}
	o.Attach(a)
	o.Attach(b)
	o.DetachAll()
	assert.Zero(t, o.ObserverCount())
	assert.Equal(t, 1, a.detached)
	assert.Equal(t, 1, b.detached)
}

func TestObservable_ConcurrentNotify(t *testing.T) {
	var o Observable[int]
	r := &recorder{}
	o.Attach(r)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				o.Notify(j)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, r.updates, 800)
}

func TestFuncObserver(t *testing.T) {
	var o Observable[string]
	var got []string
	f := &Func[string]{OnUpdate: func(_ *Observable[string], s string) { got = append(got, s) }}
	o.Attach(f)
	o.Notify("a")
	o.Detach(f)
	assert.Equal(t, []string{"a"}, got)
}

func TestGenerator_PublishSwapsFrames(t *testing.T) {
	g := NewGenerator()
	var received []*video.VideoFrame
	obs := &Func[*video.VideoFrame]{
		OnUpdate: func(src *Observable[*video.VideoFrame], f *video.VideoFrame) {
			assert.Same(t, &g.Observable, src)
			received = append(received, f)
		},
	}
	g.Attach(obs)

	assert.Nil(t, g.ObtainLastFrame())
	g.PublishFrame()
	assert.Empty(t, received, "unallocated frames are not published")

	first := g.GetNewFrame()
	assert.Same(t, first, g.GetNewFrame(), "writable frame is stable until published")
	require.NoError(t, first.Alloc(video.FormatI420, 32, 16))
	g.PublishFrame()

	assert.Same(t, first, g.ObtainLastFrame())
	require.Len(t, received, 1)
	assert.Same(t, first, received[0])
	assert.Equal(t, 32, g.Width())
	assert.Equal(t, 16, g.Height())
	assert.Equal(t, video.FormatI420, g.Format())

	second := g.GetNewFrame()
	assert.NotSame(t, first, second, "published frames are never handed out for writing")
}
