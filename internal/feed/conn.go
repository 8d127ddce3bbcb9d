package feed

import (
	"context"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Conn is one physical streaming connection. ReadMessage is called from a
// single goroutine and WriteMessage/Ping from another.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

// Dialer opens a Conn. onControl is invoked for every protocol-level ping or
// pong frame received so the session can count it toward liveness.
type Dialer interface {
	Dial(ctx context.Context, onControl func()) (Conn, error)
}

// Codec is the exchange-specific part of the subscription protocol.
type Codec interface {
	EncodeSubscribe(id uint64, keys []domain.SubscriptionKey) ([]byte, error)
	EncodeUnsubscribe(id uint64, keys []domain.SubscriptionKey) ([]byte, error)
	// ParseAck reports whether frame acknowledges request id.
	ParseAck(frame []byte) (id uint64, ok bool)
}

// Authenticator is implemented by codecs whose streams need a login frame
// before subscribing.
type Authenticator interface {
	EncodeAuth(id uint64) ([]byte, error)
}
