// Package cache defines the disk-backed thumbnail store. Every cached preview
// lives at <ThumbDirectory>/<base>_<page>_<hash>.png, where the hash is derived
// from the absolute source path so equally named originals from different
// folders never share a file. Writes go through WriteFileAtomic (temp file in
// the destination directory + rename), so readers only ever observe an absent,
// old or complete file. The in-memory pixel cache (internal/pixcache) depends on
// this package for both lookups and regeneration.
package cache
