package mixer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mediacore/av/observer"
	"github.com/opd-ai/mediacore/av/video"
)

func TestParseLayout(t *testing.T) {
	tests := []struct {
		name    string
		want    Layout
		wantErr bool
	}{
		{"grid", LayoutGrid, false},
		{"", LayoutGrid, false},
		{"ONE_BIG", LayoutOneBig, false},
		{"one_big_with_small", LayoutOneBigWithSmall, false},
		{"mosaic", LayoutGrid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLayout(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, name string) Layout {
	t.Helper()
	l, err := ParseLayout(name)
	require.NoError(t, err)
	return l
}

func TestCellRect(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		n, i   int
		want   Rect
	}{
		{"grid single source fills canvas", LayoutGrid, 1, 0, Rect{0, 0, 640, 480}},
		{"grid of two uses 2x2", LayoutGrid, 2, 1, Rect{320, 0, 320, 240}},
		{"grid of three wraps", LayoutGrid, 3, 2, Rect{0, 240, 320, 240}},
		{"grid of four last cell", LayoutGrid, 4, 3, Rect{320, 240, 320, 240}},
		{"grid of five uses 3x3", LayoutGrid, 5, 4, Rect{213, 160, 213, 160}},
		{"one big ignores count", LayoutOneBig, 4, 0, Rect{0, 0, 640, 480}},
		{"big cell below the strip", LayoutOneBigWithSmall, 3, 0, Rect{0, 80, 640, 400}},
		{"first small cell centered", LayoutOneBigWithSmall, 3, 1, Rect{214, 0, 106, 80}},
		{"second small cell", LayoutOneBigWithSmall, 3, 2, Rect{320, 0, 106, 80}},
		{"strip zoom grows past six", LayoutOneBigWithSmall, 8, 1, Rect{40, 0, 80, 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cellRect(tt.layout, tt.n, tt.i, 640, 480))
		})
	}
}

func newPlanMixer(layout Layout, n int) (*VideoMixer, []Source) {
	m := &VideoMixer{width: 640, height: 480, layout: layout}
	srcs := make([]Source, n)
	for i := range srcs {
		srcs[i] = &observer.Observable[*video.VideoFrame]{}
		m.sources = append(m.sources, &mixerSource{src: srcs[i]})
	}
	return m, srcs
}

func visible(jobs []renderJob) map[Source]Rect {
	out := make(map[Source]Rect)
	for _, j := range jobs {
		out[j.src.src] = j.rect
	}
	return out
}

func TestPlanOneBig(t *testing.T) {
	m, srcs := newPlanMixer(LayoutOneBig, 3)

	jobs, _ := m.planLocked()
	require.Len(t, jobs, 1)
	assert.Equal(t, srcs[0], jobs[0].src.src, "first source shown without an active participant")

	m.active = srcs[2]
	jobs, _ = m.planLocked()
	require.Len(t, jobs, 1)
	assert.Equal(t, srcs[2], jobs[0].src.src)
	assert.Equal(t, Rect{0, 0, 640, 480}, jobs[0].rect)
	assert.True(t, m.sources[0].rect.Empty(), "hidden sources have no cell")
}

func TestPlanOneBigWithSmall(t *testing.T) {
	m, srcs := newPlanMixer(LayoutOneBigWithSmall, 3)

	jobs, _ := m.planLocked()
	cells := visible(jobs)
	require.Len(t, cells, 3)
	assert.Equal(t, cellRect(LayoutOneBigWithSmall, 3, 0, 640, 480), cells[srcs[0]])
	assert.Equal(t, cellRect(LayoutOneBigWithSmall, 3, 1, 640, 480), cells[srcs[1]])
	assert.Equal(t, cellRect(LayoutOneBigWithSmall, 3, 2, 640, 480), cells[srcs[2]])

	m.active = srcs[2]
	cells = visible(mustPlan(m))
	assert.Equal(t, cellRect(LayoutOneBigWithSmall, 3, 0, 640, 480), cells[srcs[2]])
	assert.Equal(t, cellRect(LayoutOneBigWithSmall, 3, 1, 640, 480), cells[srcs[0]])
	assert.Equal(t, cellRect(LayoutOneBigWithSmall, 3, 2, 640, 480), cells[srcs[1]])
}

func mustPlan(m *VideoMixer) []renderJob {
	jobs, _ := m.planLocked()
	return jobs
}

func TestPlanReportsLayoutChange(t *testing.T) {
	m, _ := newPlanMixer(LayoutGrid, 2)
	m.layoutChanged = true

	_, changed := m.planLocked()
	assert.True(t, changed)
	_, changed = m.planLocked()
	assert.False(t, changed)
}

// publishLuma publishes a frame whose luma plane is filled with v.
func publishLuma(t *testing.T, g *observer.Generator, w, h int, v byte) {
	t.Helper()
	f := g.GetNewFrame()
	require.NoError(t, f.Alloc(video.FormatI420, w, h))
	f.FillBlack()
	for i := range f.Planes[0] {
		f.Planes[0][i] = v
	}
	g.PublishFrame()
}

type frameSink struct {
	mu     sync.Mutex
	frames []*video.VideoFrame
}

func (s *frameSink) observer() *observer.Func[*video.VideoFrame] {
	return &observer.Func[*video.VideoFrame]{
		OnUpdate: func(_ *observer.Observable[*video.VideoFrame], f *video.VideoFrame) {
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()
		},
	}
}

func (s *frameSink) last() *video.VideoFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func newTestMixer(t *testing.T, w, h int) *VideoMixer {
	t.Helper()
	m, err := New(Options{Width: w, Height: h, Framerate: 500})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestMixerComposesSource(t *testing.T) {
	m := newTestMixer(t, 64, 48)
	out := &frameSink{}
	m.Attach(out.observer())

	g := observer.NewGenerator()
	require.True(t, g.Attach(m))
	publishLuma(t, g, 32, 24, 200)

	require.Eventually(t, func() bool {
		f := out.last()
		return f != nil && f.Planes[0][0] == 200
	}, 2*time.Second, 5*time.Millisecond)

	f := out.last()
	assert.Equal(t, 64, f.Width)
	assert.Equal(t, 48, f.Height)
	assert.Equal(t, video.FormatI420, f.Format)
	assert.Equal(t, byte(200), f.Planes[0][len(f.Planes[0])-1])
}

func TestMixerBlackWithoutFrames(t *testing.T) {
	m := newTestMixer(t, 32, 32)
	out := &frameSink{}
	m.Attach(out.observer())

	g := observer.NewGenerator()
	g.Attach(m)

	require.Eventually(t, func() bool { return out.last() != nil }, 2*time.Second, 5*time.Millisecond)
	f := out.last()
	for _, v := range f.Planes[0] {
		require.Equal(t, byte(16), v)
	}
}

func TestMixerDetachActiveResetsLayout(t *testing.T) {
	m := newTestMixer(t, 64, 48)
	a, b := observer.NewGenerator(), observer.NewGenerator()
	a.Attach(m)
	b.Attach(m)

	m.SetLayout(LayoutOneBig)
	m.SetActiveParticipant(&b.Observable)
	assert.Equal(t, LayoutOneBig, m.Layout())

	a.Detach(m)
	assert.Equal(t, LayoutOneBig, m.Layout(), "detaching another source keeps the layout")

	b.Detach(m)
	assert.Equal(t, LayoutGrid, m.Layout())
	assert.Empty(t, m.Sources())
}

func TestMixerSourcesUpdatedCallback(t *testing.T) {
	m := newTestMixer(t, 640, 480)
	got := make(chan []SourceInfo, 16)
	m.OnSourcesUpdated(func(infos []SourceInfo) { got <- infos })

	a, b := observer.NewGenerator(), observer.NewGenerator()
	a.Attach(m)
	b.Attach(m)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case infos := <-got:
			if len(infos) != 2 {
				continue
			}
			assert.Equal(t, Rect{0, 0, 320, 240}, infos[0].Rect)
			assert.Equal(t, Rect{320, 0, 320, 240}, infos[1].Rect)
			return
		case <-deadline:
			t.Fatal("no layout update for two sources")
		}
	}
}

func TestMixerSetDimensions(t *testing.T) {
	m := newTestMixer(t, 32, 32)
	out := &frameSink{}
	m.Attach(out.observer())
	g := observer.NewGenerator()
	g.Attach(m)

	m.SetDimensions(80, 40)
	w, h := m.Dimensions()
	assert.Equal(t, 80, w)
	assert.Equal(t, 40, h)

	require.Eventually(t, func() bool {
		f := out.last()
		return f != nil && f.Width == 80 && f.Height == 40
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMixerStopDetachesSources(t *testing.T) {
	m, err := New(Options{Width: 32, Height: 32})
	require.NoError(t, err)
	g := observer.NewGenerator()
	g.Attach(m)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, g.IsAttached(m))
	m.Stop()
}
