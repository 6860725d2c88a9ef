// Package batcher provides request batching for services that are expensive
// to invoke per request.
//
// A Batch owns one worker goroutine and a bounded FIFO queue. Callers hold
// Batch handles that implement the readiness-then-call contract: a Ready poll
// reserves one queue slot, Call consumes it. The worker accumulates queued
// entries until MaxSize is reached or MaxWait has elapsed since the first
// entry of the batch, issues the whole batch as one call to the inner service,
// and delivers each entry its own outcome.
//
// Example configuration:
//
//	{
//	  "batch": {
//	    "maxSize": 64,
//	    "maxWait": 50,
//	    "queueSize": 256
//	  }
//	}
package batcher
