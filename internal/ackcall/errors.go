package ackcall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/logbus/pkg/types"
)

var (
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("ackcall: timed out waiting for acks")

	// ErrDuplicateRequest indicates a call whose request id is already pending.
	ErrDuplicateRequest = errors.New("ackcall: request id already pending")
)

// TimeoutError is returned when a call's deadline passes before its
// completion policy is satisfied. Missing lists the expected peers that
// never acknowledged.
type TimeoutError struct {
	RequestID string
	Missing   []types.PeerID
}

func (e *TimeoutError) Error() string {
	hosts := make([]string, len(e.Missing))
	for i, p := range e.Missing {
		hosts[i] = p.String()
	}
	return fmt.Sprintf("lose acks in hosts [%s]", strings.Join(hosts, ", "))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
