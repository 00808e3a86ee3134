package stream

// Subscription is an open event stream for one job.
//
// Next blocks until the next event arrives. A *ParseError means one frame was
// discarded and the stream is still usable; io.EOF means the service closed
// the stream; any other error is a transport failure. Close is idempotent and
// unblocks a pending Next.
type Subscription interface {
	Next() (Event, error)
	Close() error
}
