package client

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrConnectionClosedByServer = errors.New("connection closed by server")
	ErrIntentAlreadyRegistered  = errors.New("intent already registered")
	ErrIntentNotFound           = errors.New("intent not found")
	ErrVtxoAlreadySpent         = errors.New("vtxo already spent")
)

// ProtocolError is a request the server rejected.
type ProtocolError struct {
	Code    codes.Code
	Message string
	// Err is the sentinel the rejection maps to, if any.
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server rejected request (%s): %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ParseError turns a gRPC status error into a *ProtocolError wrapping the
// matching sentinel. Errors not carrying a status, and transport failures,
// are returned unchanged.
func ParseError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return err
	}

	msg := strings.ToLower(st.Message())
	protocolErr := &ProtocolError{Code: st.Code(), Message: st.Message()}
	switch {
	case st.Code() == codes.AlreadyExists,
		strings.Contains(msg, "already registered"),
		strings.Contains(msg, "duplicated input"):
		protocolErr.Err = ErrIntentAlreadyRegistered
	case st.Code() == codes.NotFound && strings.Contains(msg, "intent"):
		protocolErr.Err = ErrIntentNotFound
	case strings.Contains(msg, "already spent"),
		strings.Contains(msg, "is spent"),
		strings.Contains(msg, "swept"):
		protocolErr.Err = ErrVtxoAlreadySpent
	}
	return protocolErr
}
