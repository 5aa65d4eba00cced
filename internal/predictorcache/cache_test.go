package predictorcache

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePredictor struct{ released bool }

func (f *fakePredictor) Release() { f.released = true }

type fakeLoader struct {
	heads     []HeadInfo
	failLoad  map[string]bool
	discErr   error
}

func (l *fakeLoader) Discover(modelsDir string) ([]HeadInfo, error) {
	if l.discErr != nil {
		return nil, l.discErr
	}
	return l.heads, nil
}

func (l *fakeLoader) Load(h HeadInfo) (Predictor, error) {
	if l.failLoad[h.Key()] {
		return nil, errors.New("load failed")
	}
	return &fakePredictor{}, nil
}

func TestCache_WarmupIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{heads: []HeadInfo{{Name: "genre", Backbone: "resnet", HeadType: "classifier"}}}
	c := New(loader, true, time.Minute)

	n, err := c.Warmup(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Second call must not re-discover or re-load.
	loader.heads = append(loader.heads, HeadInfo{Name: "mood", Backbone: "resnet", HeadType: "classifier"})
	n, err = c.Warmup(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "warmup should be a no-op once initialized")
}

func TestCache_WarmupMissingDir(t *testing.T) {
	loader := &fakeLoader{}
	c := New(loader, true, time.Minute)

	_, err := c.Warmup("/nonexistent/path/for/test")
	assert.Error(t, err)
}

func TestCache_WarmupPartialFailureStillPopulates(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{
		heads: []HeadInfo{
			{Name: "genre", Backbone: "resnet", HeadType: "classifier"},
			{Name: "mood", Backbone: "resnet", HeadType: "classifier"},
		},
		failLoad: map[string]bool{"mood::resnet::classifier": true},
	}
	c := New(loader, true, time.Minute)

	n, err := c.Warmup(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCache_GetAndTouch(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{heads: []HeadInfo{{Name: "genre", Backbone: "resnet", HeadType: "classifier"}}}
	c := New(loader, true, time.Minute)
	_, err := c.Warmup(dir)
	require.NoError(t, err)

	p, ok := c.Get("genre::resnet::classifier")
	assert.True(t, ok)
	assert.NotNil(t, p)

	_, ok = c.Get("missing::key::here")
	assert.False(t, ok)
}

func TestCache_CheckAndEvictIfIdle(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{heads: []HeadInfo{{Name: "genre", Backbone: "resnet", HeadType: "classifier"}}}
	c := New(loader, true, time.Millisecond)
	_, err := c.Warmup(dir)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	evicted := c.CheckAndEvictIfIdle()
	assert.True(t, evicted)
	assert.Equal(t, 0, c.Size())
}

func TestCache_CheckAndEvictIfIdle_DisabledWhenAutoEvictFalse(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{heads: []HeadInfo{{Name: "genre", Backbone: "resnet", HeadType: "classifier"}}}
	c := New(loader, false, time.Millisecond)
	_, err := c.Warmup(dir)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	evicted := c.CheckAndEvictIfIdle()
	assert.False(t, evicted)
	assert.Equal(t, 1, c.Size())
}

func TestCache_ClearReleasesPredictors(t *testing.T) {
	dir := t.TempDir()
	loader := &fakeLoader{heads: []HeadInfo{{Name: "genre", Backbone: "resnet", HeadType: "classifier"}}}
	c := New(loader, true, time.Minute)
	_, err := c.Warmup(dir)
	require.NoError(t, err)

	p, _ := c.Get("genre::resnet::classifier")
	fp := p.(*fakePredictor)

	n := c.Clear()
	assert.Equal(t, 1, n)
	assert.True(t, fp.released)
	assert.Equal(t, 0, c.Size())
}

func TestDiscoverByExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir+"/resnet_classifier", 0o755))
	require.NoError(t, os.MkdirAll(dir+"/standalone", 0o755))

	heads, err := DiscoverByExtension(dir)
	require.NoError(t, err)
	require.Len(t, heads, 2)

	byName := make(map[string]HeadInfo, len(heads))
	for _, h := range heads {
		byName[h.Name] = h
	}
	assert.Equal(t, "resnet", byName["resnet_classifier"].Backbone)
	assert.Equal(t, "classifier", byName["resnet_classifier"].HeadType)
	assert.Equal(t, "default", byName["standalone"].HeadType)
}
