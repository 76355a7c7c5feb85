// Package client provides the operator commands of the analysis-worker
// binary.
//
// Usage
//
//	# Load and validate configuration, print a redacted summary
//	analysis-worker config check --config worker.yaml
//
//	# Peek the dead-letter queue without consuming it
//	analysis-worker dlq inspect --limit 20
//	analysis-worker dlq inspect --output json
//
// Notes
//
//   - Both commands read the same file and environment variables as `run`.
//   - dlq inspect needs only RABBITMQ_URL and QUEUE_NAME; the dead-letter
//     queue name defaults to <queue>.dlq.
package client
