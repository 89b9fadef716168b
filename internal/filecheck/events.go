package filecheck

import (
	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/pkg/types"
)

const (
	KindCheck    = "FILE_CHECK"
	KindCheckAck = "FILE_CHECK_ACK"
)

// CheckEvent asks Hosts to confirm that Path is readable on their disk.
type CheckEvent struct {
	bus.Header
	Path  string         `json:"path"`
	Hosts []types.PeerID `json:"hosts"`
}

func (*CheckEvent) Kind() string { return KindCheck }

// CheckAckEvent confirms a CheckEvent. Its id is the request id.
type CheckAckEvent struct {
	bus.Header
	Path string `json:"path"`
}

func (*CheckAckEvent) Kind() string { return KindCheckAck }

// RegisterEvents adds the file-check kinds to conv.
func RegisterEvents(conv *bus.Converter) {
	bus.RegisterJSON[CheckEvent](conv, KindCheck)
	bus.RegisterJSON[CheckAckEvent](conv, KindCheckAck)
}
