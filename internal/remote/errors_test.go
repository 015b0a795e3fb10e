package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/floegence/flowersec/flowersec-go/rpc"

	"github.com/floegence/redeven-console/internal/chat"
)

func TestMapErrorRPCCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code uint32
		want error
	}{
		{403, chat.ErrPermissionDenied},
		{404, chat.ErrThreadNotFound},
		{409, chat.ErrThreadBusy},
		{503, chat.ErrNotConfigured},
		{500, chat.ErrRequestFailed},
		{400, chat.ErrRequestFailed},
	}
	for _, tc := range cases {
		in := &rpc.Error{Code: tc.code, Message: "nope"}
		got := mapError(in)
		if !errors.Is(got, tc.want) {
			t.Fatalf("code %d mapped to %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestMapErrorWrappedRPCError(t *testing.T) {
	t.Parallel()

	in := fmt.Errorf("call failed: %w", &rpc.Error{Code: 409, Message: "busy"})
	if got := mapError(in); !errors.Is(got, chat.ErrThreadBusy) {
		t.Fatalf("wrapped rpc error mapped to %v", got)
	}
}

func TestMapErrorContextPassthrough(t *testing.T) {
	t.Parallel()

	if got := mapError(context.Canceled); !errors.Is(got, context.Canceled) {
		t.Fatalf("context.Canceled mapped to %v", got)
	}
	if got := mapError(context.DeadlineExceeded); !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("DeadlineExceeded mapped to %v", got)
	}
	if errors.Is(mapError(context.Canceled), chat.ErrNotConnected) {
		t.Fatalf("context error must not look like a transport failure")
	}
}

func TestMapErrorTransportFailure(t *testing.T) {
	t.Parallel()

	if got := mapError(errors.New("connection reset")); !errors.Is(got, chat.ErrNotConnected) {
		t.Fatalf("transport error mapped to %v", got)
	}
	if got := mapError(nil); got != nil {
		t.Fatalf("nil mapped to %v", got)
	}
}
