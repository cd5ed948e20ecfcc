package transport

// Transport is a generic sink for analysis results. Implementations
// must be safe for concurrent use and must never block the caller;
// a transport that cannot keep up drops data instead.
type Transport interface {
	Send(data any) error
	Close() error
}
