// Package cache stores complete backend responses (status, filtered headers
// and body) keyed by method, bucket, path and query. Two backends implement
// Store: a disk store that lays entries out by content hash and writes them
// atomically, and a redis store that keeps each entry in a single hash with an
// expiry. BackgroundWriter performs stores off the response path so a slow or
// failing cache never delays or alters what the client receives.
package cache
