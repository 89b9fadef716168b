package gc

import (
	"github.com/ChuLiYu/logbus/internal/bus"
)

const (
	KindPrepare = "GC_PREPARE"
	KindRecover = "GC_RECOVER"
)

// PrepareEvent opens a bus-wide pause window for the publishing peer's
// compaction.
type PrepareEvent struct {
	bus.Header
	LogPath string `json:"log_path"`
	Size    int64  `json:"size"`
}

func (*PrepareEvent) Kind() string { return KindPrepare }

// RecoverEvent closes the pause window opened by the same publisher.
type RecoverEvent struct {
	bus.Header
	LogPath string `json:"log_path"`
	Before  int64  `json:"before"`
	After   int64  `json:"after"`
	Aborted bool   `json:"aborted,omitempty"`
}

func (*RecoverEvent) Kind() string { return KindRecover }

// RegisterEvents adds the GC kinds to conv.
func RegisterEvents(conv *bus.Converter) {
	bus.RegisterJSON[PrepareEvent](conv, KindPrepare)
	bus.RegisterJSON[RecoverEvent](conv, KindRecover)
}
