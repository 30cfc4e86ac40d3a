package pixcache

import (
	"context"
	"image"

	"github.com/any-hub/thumbhub/internal/cache"
	"github.com/any-hub/thumbhub/internal/logging"
)

// loadJob 是后台线程在锁内取出的工作描述，锁外只使用这份副本。
type loadJob struct {
	id         cache.Identity
	store      cache.Store
	generation uint64
	expired    bool
}

// loadResult 是后台线程投递给所有权方的消息。
type loadResult struct {
	id         cache.Identity
	image      image.Image
	err        error
	expired    bool
	generation uint64
}

// loaderLoop 空闲时阻塞在 wake 上，被唤醒后持续处理直到没有排队条目。
func (c *Cache) loaderLoop() {
	defer close(c.loaderDone)
	for {
		select {
		case <-c.loaderCtx.Done():
			return
		case <-c.wake:
		}
		if !c.drainQueue() {
			return
		}
	}
}

// drainQueue 依次服务加载顺序最前的条目；返回 false 表示缓存正在关闭。
func (c *Cache) drainQueue() bool {
	for {
		job, ok := c.nextJob()
		if !ok {
			return true
		}

		result := loadResult{
			id:         job.id,
			expired:    job.expired,
			generation: job.generation,
		}
		if !job.expired {
			result.image, result.err = c.loadThumbnail(c.loaderCtx, job.store, job.id)
		}

		select {
		case c.results <- result:
		case <-c.loaderCtx.Done():
			return false
		}
	}
}

// nextJob 在锁内取出下一个 Queued 条目并转为 InProgress，同时完成过期判定。
func (c *Cache) nextJob() (loadJob, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.table.frontOfLoadOrder()
	if !ok {
		return loadJob{}, false
	}
	e := c.table.get(h)
	c.table.transition(h, StatusInProgress)

	job := loadJob{
		id:         e.id,
		store:      c.store,
		generation: c.generation,
	}
	if c.totalLoadAttempts-e.creationAttempt > c.threshold {
		job.expired = true
		return job, true
	}
	c.totalLoadAttempts++
	return job, true
}

func (c *Cache) wakeLoader() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run 是所有权方的消息循环：持续应用后台结果并触发回调，直到 ctx 结束或缓存关闭。
func (c *Cache) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.loaderDone:
			c.Dispatch()
			return ErrClosed
		case result := <-c.results:
			c.apply(result)
		}
	}
}

// Dispatch 非阻塞地应用当前已投递的全部结果，返回处理条数。
func (c *Cache) Dispatch() int {
	n := 0
	for {
		select {
		case result := <-c.results:
			c.apply(result)
			n++
		default:
			return n
		}
	}
}

// apply 在锁内推进条目状态，解锁后调用回调。条目已被淘汰、已由 LoadNow 完成
// 或目录已切换时，结果会被识别并丢弃。
func (c *Cache) apply(res loadResult) {
	c.mu.Lock()
	h, ok := c.table.lookup(res.id)
	if !ok || c.table.get(h).status != StatusInProgress {
		c.mu.Unlock()
		c.logger.WithFields(logging.ThumbFields("apply_result", res.id.SourcePath, res.id.Page)).
			Debug("stale load result discarded")
		return
	}

	e := c.table.get(h)
	pending := e.takePending()
	var result Result
	switch {
	case res.expired || res.generation != c.generation:
		c.table.erase(h)
		c.expired++
		result = outcomeResult(OutcomeRequestExpired)
	case res.err != nil:
		c.table.transition(h, StatusLoadFailed)
		result = outcomeResult(OutcomeLoadFailed)
	default:
		c.storeLoaded(h, res.image)
		result = loadedResult(res.image)
	}
	c.mu.Unlock()

	fields := logging.ThumbFields("apply_result", res.id.SourcePath, res.id.Page)
	fields["outcome"] = result.Outcome.String()
	fields["listeners"] = len(pending)
	entry := c.logger.WithFields(fields)
	if res.err != nil && !res.expired {
		entry.WithError(res.err).Warn("thumbnail load failed")
	} else {
		entry.Debug("thumbnail load finished")
	}

	c.listeners.notify(res.id, pending, result)
}
