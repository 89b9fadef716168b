package integration

import (
	"testing"

	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/stretchr/testify/require"
)

func BenchmarkPublish(b *testing.B) {
	dir := b.TempDir()
	conv := bus.NewConverter()
	bus.RegisterJSON[loadEvent](conv, kindLoad)
	pub, err := bus.New(bus.Config{LogDir: dir, ServiceID: "1"}, conv)
	require.NoError(b, err)
	defer pub.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !pub.Publish(&loadEvent{N: i}) {
			b.Fatal("publish refused")
		}
	}
	b.StopTimer()
}
