package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/floegence/flowersec/flowersec-go/rpc"

	"github.com/floegence/redeven-console/internal/chat"
)

// mapError translates transport and agent-side RPC errors onto the chat
// package's taxonomy so the engine never inspects wire codes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var re *rpc.Error
	if errors.As(err, &re) {
		switch re.Code {
		case 403:
			return fmt.Errorf("%w: %s", chat.ErrPermissionDenied, re.Message)
		case 404:
			return fmt.Errorf("%w: %s", chat.ErrThreadNotFound, re.Message)
		case 409:
			return fmt.Errorf("%w: %s", chat.ErrThreadBusy, re.Message)
		case 503:
			return fmt.Errorf("%w: %s", chat.ErrNotConfigured, re.Message)
		default:
			return fmt.Errorf("%w: %s", chat.ErrRequestFailed, re.Message)
		}
	}

	// Anything else is a transport failure: the channel is down or closing.
	return fmt.Errorf("%w: %v", chat.ErrNotConnected, err)
}
