package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	logx "rollcall/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	data  map[string]string
	reads int
	err   error
}

func (f *fakeSource) GetSetting(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeSource) PutSetting(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func TestGet_FreshWithinTTL(t *testing.T) {
	ctx := context.Background()
	fc := testclock.NewFakeClock(time.Unix(0, 0))
	src := &fakeSource{data: map[string]string{"k": "v1"}}
	c := New(src, 5*time.Minute, fc, logx.Nop())

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, src.reads)

	// Changed behind the cache's back: still served from memory at 4m.
	src.data["k"] = "v2"
	fc.Step(4 * time.Minute)
	v, _, _ = c.Get(ctx, "k")
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, src.reads)

	// At 6m the entry has expired and storage is read again.
	fc.Step(2 * time.Minute)
	v, _, _ = c.Get(ctx, "k")
	assert.Equal(t, "v2", v)
	assert.Equal(t, 2, src.reads)
}

func TestGet_MissingIsNotCached(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{data: map[string]string{}}
	c := New(src, time.Minute, testclock.NewFakeClock(time.Unix(0, 0)), logx.Nop())

	_, ok, err := c.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, _ = c.Get(ctx, "nope")
	assert.Equal(t, 2, src.reads)
}

func TestSet_InvalidatesEntry(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{data: map[string]string{"k": "a"}}
	c := New(src, time.Hour, testclock.NewFakeClock(time.Unix(0, 0)), logx.Nop())

	v, _, _ := c.Get(ctx, "k")
	assert.Equal(t, "a", v)
	require.NoError(t, c.Set(ctx, "k", "b"))
	v, _, _ = c.Get(ctx, "k")
	assert.Equal(t, "b", v)
}

func TestCleanup_DropsExpired(t *testing.T) {
	ctx := context.Background()
	fc := testclock.NewFakeClock(time.Unix(0, 0))
	src := &fakeSource{data: map[string]string{"a": "1", "b": "2"}}
	c := New(src, time.Minute, fc, logx.Nop())

	_, _, _ = c.Get(ctx, "a")
	fc.Step(30 * time.Second)
	_, _, _ = c.Get(ctx, "b")

	assert.Equal(t, 1, c.Cleanup(fc.Now().Add(45*time.Second)))
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestGetOr_FallsBackOnError(t *testing.T) {
	src := &fakeSource{data: map[string]string{}, err: errors.New("db down")}
	c := New(src, time.Minute, nil, logx.Nop())
	assert.Equal(t, "Attendance", c.GetOr(context.Background(), KeyAttendanceTitle, "Attendance"))
}

// gatedSource reads the stored value, then holds the first read until
// released.
type gatedSource struct {
	*fakeSource
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := g.fakeSource.GetSetting(ctx, key)
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return v, ok, err
}

func TestGet_ReadRacingSetIsNotCached(t *testing.T) {
	ctx := context.Background()
	src := &gatedSource{
		fakeSource: &fakeSource{data: map[string]string{"k": "old"}},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	c := New(src, time.Hour, testclock.NewFakeClock(time.Unix(0, 0)), logx.Nop())

	got := make(chan string, 1)
	go func() {
		v, _, _ := c.Get(ctx, "k")
		got <- v
	}()
	<-src.entered
	require.NoError(t, c.Set(ctx, "k", "new"))
	close(src.release)
	assert.Equal(t, "old", <-got, "the racing read still returns what it fetched")

	v, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, c.Stats().Entries)
}
