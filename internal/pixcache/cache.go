package pixcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/thumbhub/internal/cache"
	"github.com/any-hub/thumbhub/internal/imaging"
	"github.com/any-hub/thumbhub/internal/logging"
)

// 默认参数，与配置文件默认值保持一致。
const (
	DefaultMaxThumbnailPixelSize = 256
	DefaultMaxCachedPixmaps      = 200
	DefaultExpirationThreshold   = 64
	defaultResultBuffer          = 64
)

// ErrClosed 表示缓存已经关闭。
var ErrClosed = errors.New("pixcache: cache closed")

// Options 汇总构造参数。
type Options struct {
	ThumbDirectory        string
	MaxThumbnailPixelSize int
	MaxCachedPixmaps      int
	// ExpirationThreshold 是条目排队期间允许发生的加载次数，超过即放弃该请求。
	ExpirationThreshold uint64
	Decoder             imaging.Decoder
	Logger              *logrus.Logger
	// ResultBuffer 是后台结果通道容量，所有权方处理不及时时后台线程会阻塞等待。
	ResultBuffer int
}

// Stats 是缓存状态快照，供诊断接口使用。
type Stats struct {
	Entries           int    `json:"entries"`
	Queued            int    `json:"queued"`
	InProgress        int    `json:"in_progress"`
	Loaded            int    `json:"loaded"`
	LoadFailed        int    `json:"load_failed"`
	Listeners         int    `json:"listeners"`
	TotalLoadAttempts uint64 `json:"total_load_attempts"`
	Expired           uint64 `json:"expired"`
	Evictions         uint64 `json:"evictions"`
	MaxCachedPixmaps  int    `json:"max_cached_pixmaps"`
	ThumbDirectory    string `json:"thumb_directory"`
}

// Cache 是缩略图像素缓存的门面：持有条目表（由 mu 保护）与后台加载 goroutine。
type Cache struct {
	logger       *logrus.Logger
	decoder      imaging.Decoder
	maxPixelSize int
	maxPixmaps   int
	threshold    uint64

	mu    sync.Mutex
	table *entryTable
	// 以下字段与 table 共享同一把锁。
	store             cache.Store
	generation        uint64
	totalLoadAttempts uint64
	expired           uint64
	evictions         uint64
	closed            bool

	listeners *listenerRegistry
	flight    singleflight.Group

	wake       chan struct{}
	results    chan loadResult
	loaderCtx  context.Context
	stopLoader context.CancelFunc
	loaderDone chan struct{}
	closeOnce  sync.Once
}

// New 创建缓存并启动后台加载 goroutine。调用方需在结束时调用 Close。
func New(opts Options) (*Cache, error) {
	if opts.Decoder == nil {
		return nil, errors.New("pixcache: decoder is required")
	}
	store, err := cache.NewStore(opts.ThumbDirectory)
	if err != nil {
		return nil, err
	}

	if opts.MaxThumbnailPixelSize <= 0 {
		opts.MaxThumbnailPixelSize = DefaultMaxThumbnailPixelSize
	}
	if opts.MaxCachedPixmaps <= 0 {
		opts.MaxCachedPixmaps = DefaultMaxCachedPixmaps
	}
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = defaultResultBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		logger:       logger,
		decoder:      opts.Decoder,
		maxPixelSize: opts.MaxThumbnailPixelSize,
		maxPixmaps:   opts.MaxCachedPixmaps,
		threshold:    opts.ExpirationThreshold,
		table:        newEntryTable(),
		store:        store,
		listeners:    newListenerRegistry(),
		wake:         make(chan struct{}, 1),
		results:      make(chan loadResult, opts.ResultBuffer),
		loaderCtx:    ctx,
		stopLoader:   cancel,
		loaderDone:   make(chan struct{}),
	}
	go c.loaderLoop()
	return c, nil
}

// Close 停止后台加载线程并等待其退出。仍在排队的请求不会再被通知。
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.stopLoader()
		<-c.loaderDone
	})
	return nil
}

// Listen 注册回调并返回句柄；句柄可用于任意次数的 LoadRequest。
func (c *Cache) Listen(fn Callback) *Listener {
	return c.listeners.add(fn)
}

// LoadFromCache 纯查询：不触发加载、不阻塞。命中时把条目标记为最近使用。
func (c *Cache) LoadFromCache(id cache.Identity) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.table.lookup(id)
	if !ok {
		return outcomeResult(OutcomeNotCached)
	}
	e := c.table.get(h)
	switch e.status {
	case StatusLoaded:
		img := e.image
		c.table.touch(h)
		return loadedResult(img)
	case StatusLoadFailed:
		return outcomeResult(OutcomeLoadFailed)
	default:
		return outcomeResult(OutcomeNotCached)
	}
}

// LoadRequest 异步路径：已有结果时立即返回；否则登记 listener（可为 nil），
// 确保条目处于排队状态并唤醒后台线程，返回 OutcomeQueued。
func (c *Cache) LoadRequest(id cache.Identity, listener *Listener) Result {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return outcomeResult(OutcomeLoadFailed)
	}

	h, ok := c.table.lookup(id)
	if ok {
		e := c.table.get(h)
		switch e.status {
		case StatusLoaded:
			img := e.image
			c.table.touch(h)
			c.mu.Unlock()
			return loadedResult(img)
		case StatusLoadFailed:
			c.mu.Unlock()
			return outcomeResult(OutcomeLoadFailed)
		case StatusQueued:
			c.table.touch(h)
		}
	} else {
		h = c.table.insert(id, StatusQueued, c.totalLoadAttempts)
	}

	if listener != nil {
		e := c.table.get(h)
		e.pending = append(e.pending, listener.id)
	}
	queued := c.table.get(h).status == StatusQueued
	c.mu.Unlock()

	if queued {
		c.wakeLoader()
	}
	c.logger.WithFields(logging.ThumbFields("load_request", id.SourcePath, id.Page)).Debug("thumbnail queued")
	return outcomeResult(OutcomeQueued)
}

// LoadNow 在调用方 goroutine 中同步解码，绕过队列。结果写入表中，
// 除非表中已有更新的结果；若条目仍在排队或加载中，其 listener 会收到本次结果。
func (c *Cache) LoadNow(ctx context.Context, id cache.Identity) Result {
	c.mu.Lock()
	if h, ok := c.table.lookup(id); ok {
		e := c.table.get(h)
		switch e.status {
		case StatusLoaded:
			img := e.image
			c.table.touch(h)
			c.mu.Unlock()
			return loadedResult(img)
		case StatusLoadFailed:
			c.mu.Unlock()
			return outcomeResult(OutcomeLoadFailed)
		}
	}
	store := c.store
	generation := c.generation
	c.totalLoadAttempts++
	c.mu.Unlock()

	img, err := c.loadThumbnail(ctx, store, id)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return outcomeResult(OutcomeLoadFailed)
	}
	if err != nil {
		c.logger.WithFields(logging.ThumbFields("load_now", id.SourcePath, id.Page)).
			WithError(err).Warn("thumbnail decode failed")
	}

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		return resultOf(img, err)
	}

	var pending []listenerID
	h, ok := c.table.lookup(id)
	if ok {
		e := c.table.get(h)
		switch e.status {
		case StatusLoaded:
			existing := e.image
			c.table.touch(h)
			c.mu.Unlock()
			return loadedResult(existing)
		case StatusLoadFailed:
			c.mu.Unlock()
			return outcomeResult(OutcomeLoadFailed)
		}
		pending = e.takePending()
		if err != nil {
			c.table.transition(h, StatusLoadFailed)
		} else {
			c.storeLoaded(h, img)
		}
	} else if err != nil {
		c.table.insert(id, StatusLoadFailed, c.totalLoadAttempts)
	} else {
		c.evictForInsert()
		h = c.table.insert(id, StatusLoaded, c.totalLoadAttempts)
		c.table.get(h).image = img
	}
	c.mu.Unlock()

	result := resultOf(img, err)
	c.listeners.notify(id, pending, result)
	return result
}

// EnsureThumbnailExists 若磁盘缓存文件不存在，则由 src 生成缩略图并原子写入。
// 不触碰内存条目；同一文件的并发生成只执行一次。
func (c *Cache) EnsureThumbnailExists(ctx context.Context, id cache.Identity, src image.Image) error {
	store := c.currentStore()
	if store.Exists(id) {
		return nil
	}
	filePath, err := cache.ThumbnailFilePath(store.Dir(), id)
	if err != nil {
		return err
	}

	_, err, _ = c.flight.Do(filePath, func() (interface{}, error) {
		if store.Exists(id) {
			return nil, nil
		}
		return nil, c.writeThumbnail(ctx, store, id, imaging.MakeThumbnail(src, c.maxPixelSize))
	})
	return err
}

// ThumbnailExists 报告当前目录下是否已有 id 的磁盘缓存文件。
func (c *Cache) ThumbnailExists(id cache.Identity) bool {
	return c.currentStore().Exists(id)
}

// RecreateThumbnail 无条件重新生成并覆盖磁盘文件，随后淘汰已完成的内存条目。
// 正在加载中的条目保持不变，其结果可能对应旧文件或新文件。
func (c *Cache) RecreateThumbnail(ctx context.Context, id cache.Identity, src image.Image) error {
	store := c.currentStore()
	if err := c.writeThumbnail(ctx, store, id, imaging.MakeThumbnail(src, c.maxPixelSize)); err != nil {
		return err
	}

	c.mu.Lock()
	if h, ok := c.table.lookup(id); ok {
		switch c.table.get(h).status {
		case StatusLoaded, StatusLoadFailed:
			c.table.erase(h)
		}
	}
	c.mu.Unlock()

	c.logger.WithFields(logging.ThumbFields("recreate", id.SourcePath, id.Page)).Debug("thumbnail recreated")
	return nil
}

// SetThumbDirectory 把后续加载重定向到新目录。所有仍在排队的请求都会过期，
// 已在加载中的请求结果在应用时被丢弃。
func (c *Cache) SetThumbDirectory(dir string) error {
	store, err := cache.NewStore(dir)
	if err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.store.Dir()
	c.store = store
	c.generation++
	c.totalLoadAttempts += c.threshold + 1
	queued := c.table.count(StatusQueued)
	c.mu.Unlock()

	c.wakeLoader()
	c.logger.WithFields(logrus.Fields{
		"action":   "set_thumb_directory",
		"previous": previous,
		"current":  store.Dir(),
		"expiring": queued,
	}).Info("thumbnail directory changed")
	return nil
}

// ThumbDirectory 返回当前磁盘缓存目录。
func (c *Cache) ThumbDirectory() string {
	return c.currentStore().Dir()
}

// Stats 返回当前状态快照。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:           c.table.len(),
		Queued:            c.table.count(StatusQueued),
		InProgress:        c.table.count(StatusInProgress),
		Loaded:            c.table.count(StatusLoaded),
		LoadFailed:        c.table.count(StatusLoadFailed),
		Listeners:         c.listeners.len(),
		TotalLoadAttempts: c.totalLoadAttempts,
		Expired:           c.expired,
		Evictions:         c.evictions,
		MaxCachedPixmaps:  c.maxPixmaps,
		ThumbDirectory:    c.store.Dir(),
	}
}

// Identities 按全序返回表中所有条目的 Identity。
func (c *Cache) Identities() []cache.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.identities()
}

func (c *Cache) currentStore() cache.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// storeLoaded 先按淘汰规则腾出空间，再把条目转为 Loaded。调用方持有锁。
func (c *Cache) storeLoaded(h handle, img image.Image) {
	c.evictForInsert()
	c.table.transition(h, StatusLoaded)
	c.table.get(h).image = img
}

// evictForInsert 在新增一个 Loaded 条目前淘汰最久未用的条目。调用方持有锁。
func (c *Cache) evictForInsert() {
	for c.table.count(StatusLoaded) >= c.maxPixmaps {
		victim, ok := c.table.frontOfEvictionOrder()
		if !ok {
			return
		}
		c.logger.WithFields(logging.ThumbFields("evict", c.table.get(victim).id.SourcePath, c.table.get(victim).id.Page)).
			Debug("thumbnail evicted")
		c.table.erase(victim)
		c.evictions++
	}
}

// loadThumbnail 先读磁盘缓存文件，缺失或损坏时解码源图像、缩放并写回磁盘。
// 解码期间的 panic（例如分配失败）会被转换为错误。
func (c *Cache) loadThumbnail(ctx context.Context, store cache.Store, id cache.Identity) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("pixcache: decode panic: %v", r)
		}
	}()

	cached, err := c.readThumbnail(ctx, store, id)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.WithFields(logging.ThumbFields("read_thumbnail", id.SourcePath, id.Page)).
			WithError(err).Warn("cached thumbnail unreadable, regenerating")
	}

	src, err := c.decoder.Decode(ctx, id)
	if err != nil {
		return nil, err
	}
	thumb := imaging.MakeThumbnail(src, c.maxPixelSize)
	if err := c.writeThumbnail(ctx, store, id, thumb); err != nil {
		c.logger.WithFields(logging.ThumbFields("write_thumbnail", id.SourcePath, id.Page)).
			WithError(err).Warn("failed to persist thumbnail")
	}
	return thumb, nil
}

func (c *Cache) readThumbnail(ctx context.Context, store cache.Store, id cache.Identity) (image.Image, error) {
	result, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()
	return imaging.DecodePNG(result.Reader)
}

func (c *Cache) writeThumbnail(ctx context.Context, store cache.Store, id cache.Identity, thumb image.Image) error {
	data, err := imaging.EncodePNGBytes(thumb)
	if err != nil {
		return err
	}
	_, err = store.Put(ctx, id, bytes.NewReader(data), cache.PutOptions{})
	return err
}

func resultOf(img image.Image, err error) Result {
	if err != nil {
		return outcomeResult(OutcomeLoadFailed)
	}
	return loadedResult(img)
}
