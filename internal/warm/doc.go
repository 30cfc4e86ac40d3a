// Package warm pre-generates on-disk thumbnails for every supported image under
// the configured source roots, so that the first interactive request is served
// from the disk cache instead of decoding the original. Work is bounded by an
// errgroup limit; individual failures are counted and logged, never fatal.
package warm
