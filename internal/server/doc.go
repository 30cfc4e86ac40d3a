// Package server hosts the Fiber HTTP service that exposes the thumbnail pixel
// cache: request-ID and recover middlewares, the source registry that maps
// configured source names onto directories of originals, thumbnail routes and
// /-/ diagnostics. Handlers only talk to the cache through its public facade;
// the caller that builds the app is responsible for running the cache's owner
// loop (pixcache.Cache.Run) so asynchronous requests get their callbacks.
package server
