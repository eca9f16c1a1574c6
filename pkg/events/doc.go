// Package events publishes committed deletes over Redis so that caches and
// other fieldops processes drop stale copies of removed records.
package events
