package pixcache

import (
	"context"
	"image"
	"image/color"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/thumbhub/internal/cache"
)

func TestNewRequiresDecoder(t *testing.T) {
	_, err := New(Options{ThumbDirectory: t.TempDir()})
	assert.Error(t, err)
}

func TestLoadFromCacheOnEmptyCache(t *testing.T) {
	c := newTestCache(t, newFakeDecoder(), nil)
	assert.Equal(t, OutcomeNotCached, c.LoadFromCache(ident("a.png", 0)).Outcome)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestRequestThenLoadedThenCacheHit(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	a := ident("a.png", 0)
	rec := newRecorder(c)

	res := c.LoadRequest(a, rec.listener)
	require.Equal(t, OutcomeQueued, res.Outcome)

	n := rec.await(t, c)
	assert.Equal(t, a, n.id)
	require.Equal(t, OutcomeLoaded, n.result.Outcome)
	require.NotNil(t, n.result.Image)

	hit := c.LoadFromCache(a)
	require.Equal(t, OutcomeLoaded, hit.Outcome)
	assert.Same(t, n.result.Image.(*image.RGBA), hit.Image.(*image.RGBA))

	again := c.LoadRequest(a, rec.listener)
	assert.Equal(t, OutcomeLoaded, again.Outcome)
	rec.assertSilent(t, c, 30*time.Millisecond)
	assert.Equal(t, 1, dec.callCount(a))
	assert.Equal(t, uint64(1), c.Stats().TotalLoadAttempts)
}

func TestLoadFromCacheIsIdempotent(t *testing.T) {
	c := newTestCache(t, newFakeDecoder(), nil)
	a := ident("a.png", 0)
	first := c.LoadNow(context.Background(), a)
	require.Equal(t, OutcomeLoaded, first.Outcome)

	pixels := append([]uint8(nil), first.Image.(*image.RGBA).Pix...)
	for i := 0; i < 10; i++ {
		res := c.LoadFromCache(a)
		require.Equal(t, OutcomeLoaded, res.Outcome)
		assert.Same(t, first.Image.(*image.RGBA), res.Image.(*image.RGBA))
	}
	assert.Equal(t, pixels, first.Image.(*image.RGBA).Pix)
}

func TestDuplicateRequestsShareOneDecode(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	a := ident("a.png", 0)
	release := dec.block(a)
	defer release()

	first, second := newRecorder(c), newRecorder(c)
	require.Equal(t, OutcomeQueued, c.LoadRequest(a, first.listener).Outcome)
	dec.waitStarted(t, a)
	require.Equal(t, OutcomeQueued, c.LoadRequest(a, second.listener).Outcome)
	assert.Equal(t, 1, c.Stats().Entries)

	release()
	n1 := first.await(t, c)
	n2 := second.await(t, c)
	require.Equal(t, OutcomeLoaded, n1.result.Outcome)
	require.Equal(t, OutcomeLoaded, n2.result.Outcome)
	assert.Same(t, n1.result.Image.(*image.RGBA), n2.result.Image.(*image.RGBA))
	assert.Equal(t, 1, dec.callCount(a))
}

func TestDuplicateQueuedRequestsShareOneDecode(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	x, a := ident("x.png", 0), ident("a.png", 0)
	release := dec.block(x)

	c.LoadRequest(x, nil)
	dec.waitStarted(t, x)

	first, second := newRecorder(c), newRecorder(c)
	c.LoadRequest(a, first.listener)
	c.LoadRequest(a, second.listener)
	assert.Equal(t, 1, c.Stats().Queued)

	release()
	assert.Equal(t, OutcomeLoaded, first.await(t, c).result.Outcome)
	assert.Equal(t, OutcomeLoaded, second.await(t, c).result.Outcome)
	assert.Equal(t, 1, dec.callCount(a))
}

func TestClosedListenerIsSkipped(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	a := ident("a.png", 0)
	release := dec.block(a)

	gone, alive := newRecorder(c), newRecorder(c)
	c.LoadRequest(a, gone.listener)
	c.LoadRequest(a, alive.listener)
	dec.waitStarted(t, a)
	gone.listener.Close()
	gone.listener.Close()

	release()
	assert.Equal(t, OutcomeLoaded, alive.await(t, c).result.Outcome)
	gone.assertSilent(t, c, 30*time.Millisecond)
	assert.Equal(t, 1, c.Stats().Listeners)
}

func TestCallbacksRunOutsideLock(t *testing.T) {
	c := newTestCache(t, newFakeDecoder(), nil)
	a := ident("a.png", 0)
	seen := make(chan Outcome, 1)
	l := c.Listen(func(id cache.Identity, _ Result) {
		seen <- c.LoadFromCache(id).Outcome
	})
	c.LoadRequest(a, l)

	require.Eventually(t, func() bool {
		c.Dispatch()
		return len(seen) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, OutcomeLoaded, <-seen)
}

func TestDecodeFailureIsCached(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	bad := ident("bad.png", 0)
	dec.failOn(bad)
	rec := newRecorder(c)

	c.LoadRequest(bad, rec.listener)
	assert.Equal(t, OutcomeLoadFailed, rec.await(t, c).result.Outcome)
	assert.Equal(t, OutcomeLoadFailed, c.LoadFromCache(bad).Outcome)
	assert.Equal(t, OutcomeLoadFailed, c.LoadRequest(bad, rec.listener).Outcome)
	assert.Equal(t, OutcomeLoadFailed, c.LoadNow(context.Background(), bad).Outcome)
	assert.Equal(t, 1, dec.callCount(bad))
	assert.Equal(t, 1, c.Stats().LoadFailed)
}

func TestDecodePanicBecomesFailure(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	boom, fine := ident("boom.png", 0), ident("fine.png", 0)
	dec.panicOn(boom)
	rec := newRecorder(c)

	c.LoadRequest(boom, rec.listener)
	assert.Equal(t, OutcomeLoadFailed, rec.await(t, c).result.Outcome)

	c.LoadRequest(fine, rec.listener)
	assert.Equal(t, OutcomeLoaded, rec.await(t, c).result.Outcome)

	assert.Equal(t, OutcomeLoadFailed, c.LoadNow(context.Background(), boom).Outcome)
}

func TestEvictionWithSinglePixmap(t *testing.T) {
	c := newTestCache(t, newFakeDecoder(), func(o *Options) { o.MaxCachedPixmaps = 1 })
	a, b := ident("a.png", 0), ident("b.png", 0)
	rec := newRecorder(c)

	c.LoadRequest(a, rec.listener)
	require.Equal(t, OutcomeLoaded, rec.await(t, c).result.Outcome)
	c.LoadRequest(b, rec.listener)
	require.Equal(t, OutcomeLoaded, rec.await(t, c).result.Outcome)

	assert.Equal(t, OutcomeNotCached, c.LoadFromCache(a).Outcome)
	assert.Equal(t, OutcomeLoaded, c.LoadFromCache(b).Outcome)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestEvictionOrderIsLeastRecentlyUsed(t *testing.T) {
	const n = 3
	c := newTestCache(t, newFakeDecoder(), func(o *Options) { o.MaxCachedPixmaps = n })
	ctx := context.Background()

	for i := 0; i <= n; i++ {
		require.Equal(t, OutcomeLoaded, c.LoadNow(ctx, ident("item.png", i)).Outcome)
	}
	assert.Equal(t, OutcomeNotCached, c.LoadFromCache(ident("item.png", 0)).Outcome)
	for i := 1; i <= n; i++ {
		assert.Equal(t, OutcomeLoaded, c.LoadFromCache(ident("item.png", i)).Outcome)
	}

	// 再次访问 item 1 后，最久未用的是 item 2。
	c.LoadFromCache(ident("item.png", 1))
	require.Equal(t, OutcomeLoaded, c.LoadNow(ctx, ident("item.png", 4)).Outcome)
	assert.Equal(t, OutcomeNotCached, c.LoadFromCache(ident("item.png", 2)).Outcome)
	assert.Equal(t, OutcomeLoaded, c.LoadFromCache(ident("item.png", 1)).Outcome)
}

func TestLoadedCountStaysBounded(t *testing.T) {
	const limit = 5
	c := newTestCache(t, newFakeDecoder(), func(o *Options) { o.MaxCachedPixmaps = limit })
	ctx := context.Background()
	rec := newRecorder(c)

	for i := 0; i < 60; i++ {
		target := ident("bulk.png", (i*7)%20)
		if i%3 == 0 {
			c.LoadNow(ctx, target)
		} else {
			c.LoadRequest(target, rec.listener)
		}
		c.Dispatch()
		assert.LessOrEqual(t, c.Stats().Loaded, limit)
	}
	require.Eventually(t, func() bool {
		c.Dispatch()
		s := c.Stats()
		return s.Queued == 0 && s.InProgress == 0
	}, 2*time.Second, 5*time.Millisecond)

	s := c.Stats()
	assert.LessOrEqual(t, s.Loaded, limit)
	c.mu.Lock()
	checkTable(t, c.table)
	c.mu.Unlock()
}

func TestRequestExpiresAfterThreshold(t *testing.T) {
	const threshold = 2
	dec := newFakeDecoder()
	c := newTestCache(t, dec, func(o *Options) { o.ExpirationThreshold = threshold })
	x, e := ident("x.png", 0), ident("e.png", 0)
	release := dec.block(x)

	c.LoadRequest(x, nil)
	dec.waitStarted(t, x)

	victim := newRecorder(c)
	c.LoadRequest(e, victim.listener)
	others := newRecorder(c)
	for i := 0; i <= threshold; i++ {
		c.LoadRequest(ident("other.png", i), others.listener)
	}

	release()
	for i := 0; i <= threshold; i++ {
		assert.Equal(t, OutcomeLoaded, others.await(t, c).result.Outcome)
	}
	n := victim.await(t, c)
	assert.Equal(t, OutcomeRequestExpired, n.result.Outcome)
	assert.Equal(t, OutcomeNotCached, c.LoadFromCache(e).Outcome)
	assert.NotContains(t, c.Identities(), e)
	assert.Equal(t, 0, dec.callCount(e))
	assert.Equal(t, uint64(1), c.Stats().Expired)

	// 过期后重新请求会从头开始。
	c.LoadRequest(e, victim.listener)
	assert.Equal(t, OutcomeLoaded, victim.await(t, c).result.Outcome)
}

func TestSetThumbDirectoryExpiresQueuedAndInFlight(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	x, a := ident("x.png", 0), ident("a.png", 0)
	release := dec.block(x)

	rec := newRecorder(c)
	c.LoadRequest(x, rec.listener)
	dec.waitStarted(t, x)
	c.LoadRequest(a, rec.listener)

	newDir := t.TempDir()
	require.NoError(t, c.SetThumbDirectory(newDir))
	assert.Equal(t, newDir, c.ThumbDirectory())
	release()

	got := map[cache.Identity]Outcome{}
	for i := 0; i < 2; i++ {
		n := rec.await(t, c)
		got[n.id] = n.result.Outcome
	}
	assert.Equal(t, OutcomeRequestExpired, got[x])
	assert.Equal(t, OutcomeRequestExpired, got[a])
	assert.Equal(t, 0, dec.callCount(a))
	assert.Equal(t, 0, c.Stats().Entries)

	c.LoadRequest(a, rec.listener)
	require.Equal(t, OutcomeLoaded, rec.await(t, c).result.Outcome)
	assert.True(t, storeFor(t, newDir).Exists(a), "new loads must write into the new directory")
}

func TestLoadNowWritesDiskCacheAndReusesIt(t *testing.T) {
	dec := newFakeDecoder()
	dir := t.TempDir()
	c := newTestCache(t, dec, func(o *Options) { o.ThumbDirectory = dir })
	a := ident("a.png", 3)

	res := c.LoadNow(context.Background(), a)
	require.Equal(t, OutcomeLoaded, res.Outcome)
	assert.Equal(t, 13, res.Image.Bounds().Dx())
	assert.True(t, storeFor(t, dir).Exists(a))

	failing := newFakeDecoder()
	failing.failOn(a)
	fresh := newTestCache(t, failing, func(o *Options) { o.ThumbDirectory = dir })
	again := fresh.LoadNow(context.Background(), a)
	require.Equal(t, OutcomeLoaded, again.Outcome)
	assert.Equal(t, 13, again.Image.Bounds().Dx())
	assert.Equal(t, 0, failing.callCount(a))
}

func TestCorruptDiskFileIsRegenerated(t *testing.T) {
	dec := newFakeDecoder()
	dir := t.TempDir()
	c := newTestCache(t, dec, func(o *Options) { o.ThumbDirectory = dir })
	a := ident("a.png", 0)

	path, err := cache.ThumbnailFilePath(dir, a)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o644))

	require.Equal(t, OutcomeLoaded, c.LoadNow(context.Background(), a).Outcome)
	assert.Equal(t, 1, dec.callCount(a))

	fresh := newTestCache(t, newFakeDecoder(), func(o *Options) { o.ThumbDirectory = dir })
	assert.Equal(t, OutcomeLoaded, fresh.LoadNow(context.Background(), a).Outcome)
}

func TestLoadNowResolvesQueuedEntryAndNotifies(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	x, a := ident("x.png", 0), ident("a.png", 0)
	release := dec.block(x)
	c.LoadRequest(x, nil)
	dec.waitStarted(t, x)

	rec := newRecorder(c)
	c.LoadRequest(a, rec.listener)
	res := c.LoadNow(context.Background(), a)
	require.Equal(t, OutcomeLoaded, res.Outcome)

	select {
	case n := <-rec.ch:
		assert.Equal(t, OutcomeLoaded, n.result.Outcome)
		assert.Same(t, res.Image.(*image.RGBA), n.result.Image.(*image.RGBA))
	default:
		t.Fatalf("LoadNow should notify pending listeners")
	}

	release()
	require.Eventually(t, func() bool {
		c.Dispatch()
		return c.Stats().InProgress == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, dec.callCount(a))
	rec.assertSilent(t, c, 30*time.Millisecond)
}

func TestLoadNowWhileInProgressKeepsForwardOnly(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	a := ident("a.png", 0)
	release := dec.block(a)

	rec := newRecorder(c)
	c.LoadRequest(a, rec.listener)
	dec.waitStarted(t, a)

	done := make(chan Result, 1)
	go func() { done <- c.LoadNow(context.Background(), a) }()
	dec.waitStarted(t, a)
	release()

	res := <-done
	require.Equal(t, OutcomeLoaded, res.Outcome)
	require.Eventually(t, func() bool {
		c.Dispatch()
		return c.Stats().InProgress == 0
	}, 2*time.Second, 5*time.Millisecond)

	n := rec.await(t, c)
	assert.Equal(t, OutcomeLoaded, n.result.Outcome)
	rec.assertSilent(t, c, 30*time.Millisecond)
	assert.Equal(t, OutcomeLoaded, c.LoadFromCache(a).Outcome)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestLoadNowCancelledContextIsNotCached(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	a := ident("a.png", 0)
	release := dec.block(a)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, OutcomeLoadFailed, c.LoadNow(ctx, a).Outcome)
	assert.Equal(t, OutcomeNotCached, c.LoadFromCache(a).Outcome)
}

func TestEnsureThumbnailExists(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, newFakeDecoder(), func(o *Options) { o.ThumbDirectory = dir })
	a := ident("a.png", 0)
	src := solidImage(200, 100)

	assert.False(t, c.ThumbnailExists(a))
	require.NoError(t, c.EnsureThumbnailExists(context.Background(), a, src))
	assert.True(t, c.ThumbnailExists(a))
	path, _ := cache.ThumbnailFilePath(dir, a)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("sentinel"), 0o644))
	require.NoError(t, c.EnsureThumbnailExists(context.Background(), a, src))
	after, _ := os.ReadFile(path)
	assert.Equal(t, "sentinel", string(after), "existing file must not be rewritten")
	assert.NotEmpty(t, first)
	assert.Equal(t, 0, c.Stats().Entries, "ensure must not touch memory entries")
}

func TestEnsureThumbnailExistsConcurrent(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, newFakeDecoder(), func(o *Options) { o.ThumbDirectory = dir })
	a := ident("a.png", 0)

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() { errs <- c.EnsureThumbnailExists(context.Background(), a, solidImage(300, 300)) }()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-errs)
	}
	res := c.LoadNow(context.Background(), a)
	require.Equal(t, OutcomeLoaded, res.Outcome)
	assert.Equal(t, 64, res.Image.Bounds().Dx())
}

func TestRecreateThumbnailEvictsCompletedEntry(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	a := ident("a.png", 0)

	require.Equal(t, OutcomeLoaded, c.LoadNow(context.Background(), a).Outcome)
	require.NoError(t, c.RecreateThumbnail(context.Background(), a, solidImage(40, 20)))
	assert.Equal(t, OutcomeNotCached, c.LoadFromCache(a).Outcome)

	res := c.LoadNow(context.Background(), a)
	require.Equal(t, OutcomeLoaded, res.Outcome)
	assert.Equal(t, 40, res.Image.Bounds().Dx())
	assert.Equal(t, 1, dec.callCount(a))
}

func TestRecreateThumbnailLeavesInProgressEntry(t *testing.T) {
	dec := newFakeDecoder()
	c := newTestCache(t, dec, nil)
	a := ident("a.png", 0)
	release := dec.block(a)

	rec := newRecorder(c)
	c.LoadRequest(a, rec.listener)
	dec.waitStarted(t, a)
	require.NoError(t, c.RecreateThumbnail(context.Background(), a, solidImage(40, 20)))
	assert.Equal(t, 1, c.Stats().InProgress)

	release()
	assert.Equal(t, OutcomeLoaded, rec.await(t, c).result.Outcome)
}

func TestRunDeliversCallbacksUntilClose(t *testing.T) {
	c := newTestCache(t, newFakeDecoder(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	got := make(chan Result, 1)
	l := c.Listen(func(_ cache.Identity, r Result) { got <- r })
	c.LoadRequest(ident("a.png", 0), l)

	select {
	case r := <-got:
		assert.Equal(t, OutcomeLoaded, r.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not deliver the callback")
	}

	require.NoError(t, c.Close())
	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after Close")
	}
	assert.Equal(t, OutcomeLoadFailed, c.LoadRequest(ident("b.png", 0), nil).Outcome)
}

func solidImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{B: 180, A: 255})
		}
	}
	return img
}

func storeFor(t *testing.T, dir string) cache.Store {
	t.Helper()
	store, err := cache.NewStore(dir)
	require.NoError(t, err)
	return store
}
