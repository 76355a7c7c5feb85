// Package workerrun exposes the Run entrypoint used by the CLI to start the
// analysis worker, and the `run` command that wraps it.
//
// Example:
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	err := workerrun.Run(ctx, workerrun.Options{ConfigPath: "worker.yaml"})
package workerrun
