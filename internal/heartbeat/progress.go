package heartbeat

import "context"

type progressKey struct{}

// WithProgress returns a context whose ReportProgress calls touch.
func WithProgress(ctx context.Context, touch func()) context.Context {
	return context.WithValue(ctx, progressKey{}, touch)
}

// ReportProgress tells the job's lease that work is still advancing. It is a
// no-op on a context without a progress hook.
func ReportProgress(ctx context.Context) {
	if touch, ok := ctx.Value(progressKey{}).(func()); ok {
		touch()
	}
}
