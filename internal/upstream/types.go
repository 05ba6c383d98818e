package upstream

import (
	"encoding/json"
	"errors"

	"github.com/quantaxis/qamd/internal/quote"
)

// Status is the lifecycle state of an upstream connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusLoggedIn
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusLoggedIn:
		return "logged_in"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotDisconnected = errors.New("connection is not in disconnected state")
	ErrNotLoggedIn     = errors.New("connection is not logged in")
	ErrDuplicateID     = errors.New("connection id already exists")
	ErrUnknownID       = errors.New("unknown connection id")
	ErrSubscriptionCap = errors.New("connection subscription cap reached")
)

// Handler receives driver callbacks. The driver invokes these on its own
// goroutine; implementations must not call back into the driver while
// holding a lock a callback could re-enter.
type Handler interface {
	OnFrontConnected()
	OnFrontDisconnected(reason int)
	OnLogin(err error)
	OnSubscribed(instrumentID string, err error)
	OnUnsubscribed(instrumentID string, err error)
	OnDepth(d *quote.Depth)
}

// Driver is the transport SPI for one market-data front. Implementations
// wrap a vendor API; all methods are serialized by the owning Connection.
type Driver interface {
	Connect(frontAddr string, h Handler) error
	Login(brokerID string) error
	Subscribe(instrumentID string) error
	Unsubscribe(instrumentID string) error
	Release()
}

// DriverFactory builds a fresh driver instance for each connection start.
type DriverFactory func(connectionID string) Driver

// Events is the dispatcher-facing callback surface of a connection.
type Events interface {
	HandleConnectionFailure(connectionID string)
	HandleConnectionRecovery(connectionID string)
	OnSubscriptionSuccess(connectionID, instrumentID string)
	OnSubscriptionFailed(connectionID, instrumentID string)
	OnUnsubscriptionSuccess(connectionID, instrumentID string)
	OnMarketData(connectionID, instrumentID string, data json.RawMessage, timestampMillis int64)
}

// Resolver maps a raw upstream instrument id to the client-facing
// exchange-prefixed display form. Unknown ids map to themselves.
type Resolver interface {
	DisplayName(rawInstrumentID string) string
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(rawInstrumentID string) string

func (f ResolverFunc) DisplayName(rawInstrumentID string) string { return f(rawInstrumentID) }

// Sink persists quotes out-of-band. Implementations must be non-blocking
// and best-effort; tick delivery never waits on persistence.
type Sink interface {
	Persist(instrumentID string, data json.RawMessage, timestampMillis int64)
}
