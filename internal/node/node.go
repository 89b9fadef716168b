// ============================================================================
// logbus node - one service instance on the shared log directory
// ============================================================================
//
// Package: internal/node
// 功能: 組裝一個完整的 bus 實例，並管理其生命週期
//
// 組件:
//   - Bus: 本地 log 寫入與目錄輪詢
//   - Registry: 由 log 檔案推導的存活成員
//   - Election: 依成員集合選出 leader
//   - GC Coordinator: 暫停 / 壓縮 / 恢復
//   - FileCheck: 以 quorum-ack 檢查遠端檔案
//   - Mirror: 可選的 NATS 鏡像
//
// 註冊順序:
//   Observers: registry -> election -> gc (size trigger)
//   Handlers:  registry -> gc -> filecheck -> mirror
//   registry 必須先於 election 觀察，election 才能在同一個 tick 看到新成員。
//
// 關閉流程:
//   1. 停止 bus 輪詢（寫入 cursor checkpoint）
//   2. 停止 GC 計時器與 filecheck 重試
//   3. 關閉 NATS 連線
//
// ============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/logbus/internal/archive"
	"github.com/ChuLiYu/logbus/internal/bus"
	"github.com/ChuLiYu/logbus/internal/election"
	"github.com/ChuLiYu/logbus/internal/filecheck"
	"github.com/ChuLiYu/logbus/internal/gc"
	"github.com/ChuLiYu/logbus/internal/metrics"
	"github.com/ChuLiYu/logbus/internal/mirror"
	"github.com/ChuLiYu/logbus/internal/registry"
	"github.com/ChuLiYu/logbus/pkg/types"
)

var ErrStopped = errors.New("node: stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// ArchiveConfig 壓縮前的 log 歸檔目標，全部為空則不歸檔
type ArchiveConfig struct {
	Dir        string
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string
}

// MirrorConfig NATS 鏡像設定，URL 為空則不啟用
type MirrorConfig struct {
	URL    string
	Prefix string
}

// Config 節點配置
type Config struct {
	Bus       bus.Config
	GC        gc.Config
	FileCheck filecheck.Config
	Archive   ArchiveConfig
	Mirror    MirrorConfig
	Stater    filecheck.Stater // nil 表示本地磁碟
	Logger    *slog.Logger
	Metrics   *metrics.Collector
}

// Status 節點狀態快照
type Status struct {
	ID           types.PeerID   `json:"id"`
	State        types.BusState `json:"state"`
	Leader       types.PeerID   `json:"leader"`
	Election     string         `json:"election"`
	Members      []types.Peer   `json:"members"`
	LogSize      int64          `json:"log_size"`
	PendingCalls int            `json:"pending_calls"`
	Initiators   []types.PeerID `json:"gc_initiators"`
	GCInProgress bool           `json:"gc_in_progress"`
	LastGC       *gc.Result     `json:"last_gc,omitempty"`
	Uptime       time.Duration  `json:"uptime"`
}

// Node 一個 logbus 服務實例
type Node struct {
	cfg    Config
	logger *slog.Logger

	bus       *bus.Bus
	registry  *registry.Registry
	election  *election.Election
	gc        *gc.Coordinator
	filecheck *filecheck.Service
	mirror    *mirror.Mirror

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立節點並完成所有註冊，但不開始輪詢
//
// 參數：
//   - ctx: 僅用於建立 S3 client
//   - cfg: 節點配置
//
// 返回值：
//   - *Node: 節點實例
//   - error: 初始化錯誤
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Bus.Logger = cfg.Logger
	cfg.Bus.Metrics = cfg.Metrics
	cfg.GC.Logger = cfg.Logger
	cfg.GC.Metrics = cfg.Metrics
	cfg.FileCheck.Logger = cfg.Logger
	cfg.FileCheck.Metrics = cfg.Metrics

	// 1. 事件類型表
	conv := bus.NewConverter()
	gc.RegisterEvents(conv)
	filecheck.RegisterEvents(conv)

	// 2. 歸檔器
	arch, err := buildArchiver(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if arch != nil {
		cfg.GC.Archiver = arch
	}

	// 3. Bus
	b, err := bus.New(cfg.Bus, conv)
	if err != nil {
		return nil, err
	}
	self := b.ID()

	n := &Node{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "node", "service", self),
		bus:    b,
	}

	// 4. 組件
	n.registry = registry.New(self, cfg.Logger, cfg.Metrics)
	n.election = election.New(self, n.registry, cfg.Logger, cfg.Metrics)
	n.gc = gc.New(b, cfg.GC)
	n.filecheck = filecheck.New(self, b, cfg.Stater, cfg.FileCheck)
	n.gc.AddRetainer(n.filecheck)

	if cfg.Mirror.URL != "" {
		m, err := mirror.New(mirror.Config{URL: cfg.Mirror.URL, Prefix: cfg.Mirror.Prefix, Logger: cfg.Logger})
		if err != nil {
			b.Stop()
			return nil, err
		}
		n.mirror = m
	}

	// 5. 註冊（順序即分派順序）
	b.Observe(n.registry)
	b.Observe(n.election)
	b.Observe(n.gc)

	b.Register(n.registry)
	b.Register(n.gc)
	b.Register(n.filecheck)
	if n.mirror != nil {
		b.Register(n.mirror)
	}

	return n, nil
}

func buildArchiver(ctx context.Context, cfg ArchiveConfig) (archive.Archiver, error) {
	var targets archive.Multi
	if cfg.Dir != "" {
		targets = append(targets, archive.Local{Dir: cfg.Dir})
	}
	if cfg.S3Bucket != "" {
		s3, err := archive.NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("node: s3 archiver: %w", err)
		}
		targets = append(targets, s3)
	}
	switch len(targets) {
	case 0:
		return nil, nil
	case 1:
		return targets[0], nil
	default:
		return targets, nil
	}
}

// Start 啟動 filecheck worker 與 bus 輪詢
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return ErrStopped
	}
	if n.started {
		return bus.ErrAlreadyRunning
	}

	if err := n.filecheck.Start(); err != nil {
		return fmt.Errorf("node: start filecheck: %w", err)
	}
	if err := n.bus.Start(); err != nil {
		n.filecheck.Stop()
		return fmt.Errorf("node: start bus: %w", err)
	}

	n.started = true
	n.startTime = time.Now()
	n.logger.Info("Node started",
		"log_dir", n.cfg.Bus.LogDir,
		"delay", n.bus.Delay(),
		"mirror", n.mirror != nil)
	return nil
}

// Stop 停止節點，可重複呼叫
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	n.mu.Unlock()

	// GC 必須先於 bus 停止：進行中的週期需要 bus 發布 GC_RECOVER
	n.gc.Stop()
	if err := n.bus.Stop(); err != nil {
		n.logger.Error("Failed to stop bus", "error", err)
	}
	n.filecheck.Stop()
	if n.mirror != nil {
		if err := n.mirror.Close(); err != nil {
			n.logger.Warn("Failed to close mirror", "error", err)
		}
	}
	n.logger.Info("Node stopped")
}

// ============================================================================
// 操作
// ============================================================================

// TriggerGC 由本節點發起一次 GC 週期
func (n *Node) TriggerGC(ctx context.Context) (gc.Result, error) {
	return n.gc.GC(ctx)
}

// CheckFile 等待 hosts 全部確認 path 可讀
func (n *Node) CheckFile(ctx context.Context, path string, hosts []types.PeerID) error {
	return n.filecheck.Check(ctx, hosts, path)
}

// AwaitLeader 等待 leader 穩定
func (n *Node) AwaitLeader(timeout time.Duration) (types.PeerID, error) {
	return n.election.Await(timeout)
}

// Status 返回目前狀態
func (n *Node) Status() Status {
	st := Status{
		ID:           n.bus.ID(),
		State:        n.bus.State(),
		Leader:       n.election.Leader(),
		Election:     n.election.State().String(),
		Members:      n.registry.Peers(),
		LogSize:      n.bus.LogSize(),
		PendingCalls: n.filecheck.Pending(),
		Initiators:   n.gc.Initiators(),
		GCInProgress: n.gc.InProgress(),
	}
	if res, ok := n.gc.LastResult(); ok {
		st.LastGC = &res
	}
	n.mu.Lock()
	if n.started {
		st.Uptime = time.Since(n.startTime)
	}
	n.mu.Unlock()
	return st
}

func (n *Node) ID() types.PeerID { return n.bus.ID() }
func (n *Node) Bus() *bus.Bus { return n.bus }
func (n *Node) Registry() *registry.Registry { return n.registry }
func (n *Node) Election() *election.Election { return n.election }
func (n *Node) GC() *gc.Coordinator { return n.gc }
func (n *Node) FileCheck() *filecheck.Service { return n.filecheck }
