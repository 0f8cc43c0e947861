// Package scheduler 只在 leader 上執行的定期任務
//
// 每個節點都註冊同樣的任務，觸發時才檢查 IsLeader()：
//
//	觸發 → 不是 leader → skipped
//	     → 上一次還沒結束 → skipped
//	     → 執行（帶逾時） → ok | error
//
// 為什麼在觸發時檢查而不是只在 leader 上啟動 cron？
//
//	leader 可能在兩次觸發之間換手；
//	觸發時讀取快取狀態不經過網路，換手後下一次觸發就會轉移。
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/koopa0/system-design/broadcast-fabric/internal/metrics"
	apperrors "github.com/koopa0/system-design/broadcast-fabric/pkg/errors"
)

// 任務結果（JobRuns 的 result 標籤）
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

// DefaultTimeout 任務未指定逾時時的上限
const DefaultTimeout = time.Minute

// Leader 回報本節點是否持有租約
type Leader interface {
	IsLeader() bool
}

// Job 任務本體
type Job func(ctx context.Context) error

type task struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	busy    atomic.Bool
}

// Runner 定期任務執行器
type Runner struct {
	leader  Leader
	logger  *slog.Logger
	metrics *metrics.Registry

	parser cron.Parser
	cron   *cron.Cron

	mu      sync.Mutex
	tasks   map[string]*task
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New 建立執行器；leader 為 nil 時每個節點都執行
func New(leader Leader, loc *time.Location, logger *slog.Logger, m *metrics.Registry) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	if m == nil {
		m = metrics.New()
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		leader:  leader,
		logger:  logger,
		metrics: m,
		parser:  parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add 註冊任務
//
// spec 支援五欄、六欄（含秒）與 @every / @hourly 等描述子。
func (r *Runner) Add(name, spec string, timeout time.Duration, job Job) error {
	if name == "" || job == nil {
		return apperrors.ErrInvalidConfig.WithDetails("job name and function are required")
	}
	if _, err := r.parser.Parse(spec); err != nil {
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("job %q: invalid spec %q: %v", name, spec, err))
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[name]; exists {
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("job %q already registered", name))
	}

	t := &task{name: name, spec: spec, timeout: timeout, job: job}
	id, err := r.cron.AddFunc(spec, func() { r.execute(t) })
	if err != nil {
		return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("job %q: %v", name, err))
	}
	t.entryID = id
	r.tasks[name] = t

	r.logger.Info("任務已註冊", "job", name, "spec", spec, "timeout", timeout)
	return nil
}

// Jobs 已註冊的任務名稱
func (r *Runner) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next 任務的下次觸發時間（尚未啟動時為零值）
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return r.cron.Entry(t.entryID).Next, true
}

// Start 啟動排程
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
	r.logger.Info("排程已啟動", "jobs", len(r.tasks))
}

// Stop 停止排程並等待執行中的任務結束
//
// ctx 結束時不再等待，執行中的任務會收到取消。
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()

	if !started {
		r.cancel()
		return nil
	}

	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.cancel()
		r.logger.Info("排程已停止")
		return nil
	case <-ctx.Done():
		r.cancel()
		return apperrors.Wrap(ctx.Err(), apperrors.ErrCodeTimeout, "wait for running jobs")
	}
}

// RunNow 立即觸發一次（與排程觸發走同一條路徑），回傳結果
func (r *Runner) RunNow(name string) (string, error) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return "", apperrors.New(apperrors.ErrCodeNotFound, "job not found").WithDetails(name)
	}
	return r.execute(t), nil
}

func (r *Runner) execute(t *task) string {
	if r.leader != nil && !r.leader.IsLeader() {
		r.record(t.name, ResultSkipped)
		r.logger.Debug("不是 leader，略過任務", "job", t.name)
		return ResultSkipped
	}
	if !t.busy.CompareAndSwap(false, true) {
		r.record(t.name, ResultSkipped)
		r.logger.Warn("上一次執行尚未結束，略過", "job", t.name)
		return ResultSkipped
	}
	defer t.busy.Store(false)

	ctx, cancel := context.WithTimeout(r.ctx, t.timeout)
	defer cancel()

	start := time.Now()
	if err := runJob(ctx, t.job); err != nil {
		r.record(t.name, ResultError)
		r.logger.Error("任務執行失敗", "job", t.name, "duration", time.Since(start), "error", err)
		return ResultError
	}

	r.record(t.name, ResultOK)
	r.logger.Debug("任務完成", "job", t.name, "duration", time.Since(start))
	return ResultOK
}

func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panic: %v", rec)
		}
	}()
	return job(ctx)
}

func (r *Runner) record(job, result string) {
	r.metrics.JobRuns.WithLabelValues(job, result).Inc()
}

// cronLogger 把 cron 內部日誌轉給 slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
