package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/logbus/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}

/*
# 編譯
go build -o bin/logbus ./cmd/logbus

# 同一個共享目錄上啟動三個節點
./bin/logbus run --id 1 --log-dir /mnt/shared/logbus
./bin/logbus run --id 2 --log-dir /mnt/shared/logbus -c configs/node2.yaml
./bin/logbus run --id 3 --log-dir /mnt/shared/logbus -c configs/node3.yaml

# 操作
./bin/logbus status --addr localhost:50061
./bin/logbus check /data/model.bin --hosts 2,3
./bin/logbus gc
./bin/logbus dump /mnt/shared/logbus/1.log --stats
*/
