package client_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/arkade-os/ark-sdk/client"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestParseError(t *testing.T) {
	for _, tt := range []struct {
		name      string
		err       error
		sentinel  error
		protocol  bool
		unchanged bool
	}{
		{
			name:     "already exists",
			err:      status.Error(codes.AlreadyExists, "intent exists"),
			sentinel: client.ErrIntentAlreadyRegistered,
			protocol: true,
		},
		{
			name: "duplicated input",
			err: status.Error(
				codes.InvalidArgument, "duplicated input, abc:0 already registered by another intent",
			),
			sentinel: client.ErrIntentAlreadyRegistered,
			protocol: true,
		},
		{
			name:     "intent not found",
			err:      status.Error(codes.NotFound, "intent not found"),
			sentinel: client.ErrIntentNotFound,
			protocol: true,
		},
		{
			name:     "spent vtxo",
			err:      status.Error(codes.InvalidArgument, "vtxo abc:1 is already spent"),
			sentinel: client.ErrVtxoAlreadySpent,
			protocol: true,
		},
		{
			name:     "other rejection",
			err:      status.Error(codes.InvalidArgument, "invalid signature"),
			protocol: true,
		},
		{
			name:      "unavailable",
			err:       status.Error(codes.Unavailable, "connection refused"),
			unchanged: true,
		},
		{
			name:      "not a status",
			err:       fmt.Errorf("boom"),
			unchanged: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			err := client.ParseError(tt.err)
			if tt.unchanged {
				require.Equal(t, tt.err, err)
				return
			}

			var protocolErr *client.ProtocolError
			require.Equal(t, tt.protocol, errors.As(err, &protocolErr))
			if tt.sentinel != nil {
				require.ErrorIs(t, err, tt.sentinel)
			} else {
				require.Nil(t, protocolErr.Err)
			}
		})
	}

	require.NoError(t, client.ParseError(nil))
}
