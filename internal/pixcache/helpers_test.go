package pixcache

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/thumbhub/internal/cache"
)

var errCorruptSource = errors.New("corrupt source")

// fakeDecoder 记录每个 Identity 的解码次数，可按需阻塞、失败或 panic。
type fakeDecoder struct {
	mu      sync.Mutex
	calls   map[cache.Identity]int
	gates   map[cache.Identity]chan struct{}
	fail    map[cache.Identity]bool
	panics  map[cache.Identity]bool
	started chan cache.Identity
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{
		calls:   make(map[cache.Identity]int),
		gates:   make(map[cache.Identity]chan struct{}),
		fail:    make(map[cache.Identity]bool),
		panics:  make(map[cache.Identity]bool),
		started: make(chan cache.Identity, 128),
	}
}

func (d *fakeDecoder) Decode(ctx context.Context, id cache.Identity) (image.Image, error) {
	d.mu.Lock()
	d.calls[id]++
	gate := d.gates[id]
	fail := d.fail[id]
	panics := d.panics[id]
	d.mu.Unlock()

	select {
	case d.started <- id:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic("runtime: out of memory")
	}
	if fail {
		return nil, errCorruptSource
	}
	return sourceImage(id), nil
}

// block 让 id 的解码停在 gate 上，返回释放函数。
func (d *fakeDecoder) block(id cache.Identity) func() {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[id] = gate
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (d *fakeDecoder) failOn(id cache.Identity) {
	d.mu.Lock()
	d.fail[id] = true
	d.mu.Unlock()
}

func (d *fakeDecoder) panicOn(id cache.Identity) {
	d.mu.Lock()
	d.panics[id] = true
	d.mu.Unlock()
}

func (d *fakeDecoder) callCount(id cache.Identity) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func (d *fakeDecoder) waitStarted(t *testing.T, id cache.Identity) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-d.started:
			if got == id {
				return
			}
		case <-deadline:
			t.Fatalf("decode of %s never started", id)
		}
	}
}

// sourceImage 的宽度编码了页序号，便于断言结果来自哪个条目。
func sourceImage(id cache.Identity) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 10+id.Page, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 10+id.Page; x++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	return img
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestCache(t *testing.T, dec *fakeDecoder, mutate func(*Options)) *Cache {
	t.Helper()
	opts := Options{
		ThumbDirectory:        t.TempDir(),
		MaxThumbnailPixelSize: 64,
		MaxCachedPixmaps:      8,
		ExpirationThreshold:   16,
		Decoder:               dec,
		Logger:                quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type notification struct {
	id     cache.Identity
	result Result
}

// recorder 是一个把回调结果写入通道的 listener。
type recorder struct {
	listener *Listener
	ch       chan notification
}

func newRecorder(c *Cache) *recorder {
	r := &recorder{ch: make(chan notification, 64)}
	r.listener = c.Listen(func(id cache.Identity, result Result) {
		r.ch <- notification{id: id, result: result}
	})
	return r
}

// await 驱动所有权方循环直到收到一条通知。
func (r *recorder) await(t *testing.T, c *Cache) notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.Dispatch()
		select {
		case n := <-r.ch:
			return n
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatalf("no notification received")
	return notification{}
}

func (r *recorder) assertSilent(t *testing.T, c *Cache, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		c.Dispatch()
		select {
		case n := <-r.ch:
			t.Fatalf("unexpected notification for %s: %s", n.id, n.result.Outcome)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func ident(name string, page int) cache.Identity {
	return cache.NewIdentity("/src/"+name, page)
}
