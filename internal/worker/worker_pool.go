// ============================================================================
// logbus Worker Pool - concurrent task executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
//
// A fixed number of Worker goroutines share one buffered task channel.
// Results are buffered and may be collected with ReceiveResult; callers that
// do not care about results simply never read them.
//
// Lifecycle:
//   1. NewPool() - create the pool and its channels
//   2. Start(n) - start n workers
//   3. Submit(task) / Schedule(delay, task)
//   4. Stop() - cancel scheduled tasks, stop workers, wait for them
//
// Schedule arms a timer that submits the task once the delay has elapsed;
// the file-check service uses a single-worker pool this way for its bounded
// retries so they never block the bus dispatch loop.
//
// ============================================================================

package worker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu        sync.Mutex
	started   bool
	stopped   bool
	timers    map[uint64]*time.Timer // scheduled, not yet submitted
	nextTimer uint64
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		timers:   make(map[uint64]*time.Timer),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool
//
// taskCh is never closed; Stop signals workers through stopCh, so a Submit
// racing with Stop returns ErrPoolClosed instead of panicking.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Schedule submits task after delay. Tasks still waiting when the pool stops
// are dropped.
func (p *Pool) Schedule(delay time.Duration, task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	id := p.nextTimer
	p.nextTimer++
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		_, live := p.timers[id]
		delete(p.timers, id)
		p.mu.Unlock()
		if live {
			_ = p.Submit(task)
		}
	})
	return nil
}

// Scheduled returns the number of tasks waiting for their delay.
func (p *Pool) Scheduled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// ReceiveResult 從結果通道接收執行結果
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌並取消排程中的任務
//  2. 關閉 stopCh，Worker 完成當前任務後退出
//  3. 等待所有 Worker 完成
//  4. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.resultCh)
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
