package quote

import (
	"context"
	"errors"
	"fmt"
	"net"

	xerrors "OpenMCP-Swap/internal/errors"
)

// Unsupported reports that the venue does not serve the network.
func Unsupported(venue, networkID string) error {
	return xerrors.New(xerrors.CodeUnsupported,
		fmt.Sprintf("venue %s does not serve network %s", venue, networkID),
		xerrors.WithMetadata("venue", venue), xerrors.WithMetadata("network", networkID))
}

// NoLiquidity reports that the venue has no route for the pair.
func NoLiquidity(venue, reason string) error {
	return xerrors.New(xerrors.CodeNoLiquidity,
		fmt.Sprintf("venue %s: %s", venue, reason),
		xerrors.WithMetadata("venue", venue))
}

// Timeout reports that the venue could not be reached within its deadline.
func Timeout(venue string, cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause,
		fmt.Sprintf("venue %s unreachable", venue),
		xerrors.WithMetadata("venue", venue))
}

// ClassifyTransport maps a transport level failure onto the venue taxonomy.
// Errors that already carry a code pass through; anything else means the
// venue was unreachable.
func ClassifyTransport(venue string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return Timeout(venue, err)
}

// IsDeadline reports whether err stems from a cancelled or expired context
// or a network timeout.
func IsDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
