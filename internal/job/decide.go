package job

// ErrorKind classifies why a job did not complete.
type ErrorKind int

const (
	// KindTransient failures may succeed on retry.
	KindTransient ErrorKind = iota
	// KindPermanent failures never will.
	KindPermanent
	// KindStale means the job stopped renewing its heartbeat.
	KindStale
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Action is what happens to a job that did not complete.
type Action int

const (
	Requeue Action = iota
	DeadLetter
)

func (a Action) String() string {
	if a == Requeue {
		return "requeue"
	}
	return "dead_letter"
}

// Decide returns the action for a failed job. retryCount is the number of
// times the job has already been requeued.
func Decide(kind ErrorKind, retryCount, maxRetries int) Action {
	if kind == KindPermanent {
		return DeadLetter
	}
	if retryCount < maxRetries {
		return Requeue
	}
	return DeadLetter
}

// Outcome is the terminal result of one delivery, used for logs and metrics.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeMalformed    Outcome = "malformed"
	OutcomeDuplicate    Outcome = "duplicate"
	// OutcomeSuperseded means stuck recovery settled the delivery first.
	OutcomeSuperseded Outcome = "superseded"
)
