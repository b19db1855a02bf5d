package queue

import (
	"container/list"
	"time"
)

// Kind is the operation a Job invokes on the engine.
type Kind int

const (
	KindConvert Kind = iota
	KindCollectGarbage
)

func (k Kind) String() string {
	switch k {
	case KindConvert:
		return "convert"
	case KindCollectGarbage:
		return "collect-garbage"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Job. PDF is empty for collect-garbage jobs.
type Result struct {
	PDF []byte
	Err error
}

// Job is one queued unit of work. It is owned by the queue from Submit until
// its result is delivered, and produces exactly one Result.
type Job struct {
	ID          string
	Kind        Kind
	Document    []byte
	SubmittedAt time.Time

	result chan Result
	elem   *list.Element // guarded by Queue.mu; nil once dequeued or abandoned
}

// Done returns a channel that receives the job's result once.
func (j *Job) Done() <-chan Result {
	return j.result
}
