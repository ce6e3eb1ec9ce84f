// Package events publishes voice session notifications such as epoch
// changes and roster changes, either to a logger or to a Redis stream.
package events
