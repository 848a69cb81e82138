/*
Package fetchcache memoizes the results of async upstream fetches.

It provides the raw-data tier of the caching layer:

  - TTL plus hard max-age per entry (ttl gates background refresh while the
    old value still serves reads; maxAge forces a fresh fetch)
  - single-flight de-duplication of concurrent fetches for the same key
  - stale-while-revalidate with swallowed background-refresh failures
  - fallback to expired data when a fetch fails
  - LRU and memory-pressure eviction
  - typed cache events fanned out to exact-key and prefix subscribers
  - a best-effort persistent snapshot for reload survival

The cache stores values as any; use the package-level Get function for a
typed view.
*/
package fetchcache
