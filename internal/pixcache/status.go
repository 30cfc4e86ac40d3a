package pixcache

import "image"

// Status 是缓存条目的状态机：Queued → InProgress → Loaded | LoadFailed。
type Status int

const (
	StatusQueued Status = iota
	StatusInProgress
	StatusLoaded
	StatusLoadFailed

	statusCount
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusLoaded:
		return "loaded"
	case StatusLoadFailed:
		return "load_failed"
	default:
		return "unknown"
	}
}

// Outcome 是调用方可见的结果类型。
type Outcome int

const (
	OutcomeNotCached Outcome = iota
	OutcomeQueued
	OutcomeLoaded
	OutcomeLoadFailed
	// OutcomeRequestExpired 仅出现在 listener 回调中：请求排队过久被放弃，
	// 调用方如仍需要应重新请求，而不是当作永久失败。
	OutcomeRequestExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNotCached:
		return "not_cached"
	case OutcomeQueued:
		return "queued"
	case OutcomeLoaded:
		return "loaded"
	case OutcomeLoadFailed:
		return "load_failed"
	case OutcomeRequestExpired:
		return "request_expired"
	default:
		return "unknown"
	}
}

// Result 组合 Outcome 与图像；仅 OutcomeLoaded 时 Image 非空。
// Image 由缓存共享持有，调用方不得修改其像素。
type Result struct {
	Outcome Outcome
	Image   image.Image
}

func loadedResult(img image.Image) Result {
	return Result{Outcome: OutcomeLoaded, Image: img}
}

func outcomeResult(o Outcome) Result {
	return Result{Outcome: o}
}
