// Package events publishes committed node changes to in-process
// subscribers. The node store publishes after a transaction commits, never
// for rolled back work, so subscribers only observe durable state.
package events
