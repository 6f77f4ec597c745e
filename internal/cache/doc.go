// Package cache provides a content-addressed cache for synthesized speech.
// Requests are keyed by their normalized text and voice parameters, served
// from a durable file cache or a request-keyed response store, and
// coalesced so identical text is only synthesized once at a time.
package cache
