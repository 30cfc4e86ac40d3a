// Package imaging provides the image collaborators of the thumbnail cache:
// decoding original sources into image.Image values (one page or frame at a
// time), shrinking them to thumbnail size and the PNG codec used for cache
// files. Decoding refuses sources whose pixel count exceeds a configured limit
// so an oversized original is reported as a failure instead of exhausting
// memory.
package imaging
