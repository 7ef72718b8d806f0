package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/membersync/internal/metrics"
	"github.com/hitoshi/membersync/internal/model"
)

// ErrBatchInProgress は一括照合が既に実行中であることを表す。
var ErrBatchInProgress = errors.New("batch reconcile already in progress")

// MemberLister は一括照合の対象会員を列挙するインターフェース。
type MemberLister interface {
	ListWithPaymentCustomer(ctx context.Context) ([]model.MemberRef, error)
}

// CustomerReconciler は顧客ID単位の照合インターフェース。Correctorが実装する。
type CustomerReconciler interface {
	Reconcile(ctx context.Context, customerID string, source model.SyncSource) (*Result, error)
}

// BatchConfig は一括照合の設定パラメータ。
type BatchConfig struct {
	// BatchSize は同時に照合する会員数（デフォルト: 100）。
	BatchSize int
	// BatchDelay はバッチ間の待機時間（デフォルト: 1秒）。最後のバッチの後は待たない。
	BatchDelay time.Duration
}

// DefaultBatchConfig はデフォルトの一括照合設定を返す。
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:  100,
		BatchDelay: time.Second,
	}
}

// Summary は一括照合1回分の集計。
type Summary struct {
	Total     int
	Corrected int
	Unchanged int
	Errored   int
	// Skipped はキャンセルにより照合を開始しなかった会員数。
	Skipped  int
	Duration time.Duration
}

// BatchReconciler は対象会員をバッチに分割し、バッチ内は並行、バッチ間は逐次に照合する。
// 1会員の失敗は他の会員の照合に影響しない。
type BatchReconciler struct {
	lister     MemberLister
	reconciler CustomerReconciler
	config     BatchConfig
	metrics    metrics.MetricsCollector
	logger     *slog.Logger

	running sync.Mutex
}

// NewBatchReconciler はBatchReconcilerを生成する。
// BatchSizeが0以下の場合はデフォルト値を使用する。
func NewBatchReconciler(
	lister MemberLister,
	reconciler CustomerReconciler,
	config BatchConfig,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *BatchReconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchConfig().BatchSize
	}
	if config.BatchDelay < 0 {
		config.BatchDelay = 0
	}
	return &BatchReconciler{
		lister:     lister,
		reconciler: reconciler,
		config:     config,
		metrics:    metrics.OrNop(m),
		logger:     logger,
	}
}

// RunAll は顧客IDを持つ全会員を照合する。
// 別の一括照合が実行中の場合は ErrBatchInProgress を返す。
func (b *BatchReconciler) RunAll(ctx context.Context, source model.SyncSource) (*Summary, error) {
	if !b.running.TryLock() {
		return nil, ErrBatchInProgress
	}
	defer b.running.Unlock()

	refs, err := b.lister.ListWithPaymentCustomer(ctx)
	if err != nil {
		return nil, fmt.Errorf("一括照合の対象会員の取得に失敗しました: %w", err)
	}

	summary := b.Run(ctx, refs, source)
	return summary, nil
}

// Run は指定された会員を照合する。顧客IDを持たない会員は対象外とする。
func (b *BatchReconciler) Run(ctx context.Context, refs []model.MemberRef, source model.SyncSource) *Summary {
	start := time.Now()

	eligible := make([]model.MemberRef, 0, len(refs))
	for _, ref := range refs {
		if ref.PaymentCustomerID != "" {
			eligible = append(eligible, ref)
		}
	}

	summary := &Summary{Total: len(eligible)}
	if len(eligible) == 0 {
		b.logger.Info("一括照合の対象会員はありません", slog.String("source", string(source)))
		summary.Duration = time.Since(start)
		return summary
	}

	batchCount := (len(eligible) + b.config.BatchSize - 1) / b.config.BatchSize
	b.logger.Info("一括照合を開始します",
		slog.String("source", string(source)),
		slog.Int("total", len(eligible)),
		slog.Int("batch_count", batchCount),
		slog.Int("batch_size", b.config.BatchSize),
	)

	var corrected, unchanged, errored atomic.Int64

	for i := 0; i < len(eligible); i += b.config.BatchSize {
		// バッチ間の待機（初回は待たない）
		if i > 0 && b.config.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(b.config.BatchDelay):
			}
		}
		if ctx.Err() != nil {
			summary.Skipped = len(eligible) - i
			b.logger.Warn("一括照合がキャンセルされました",
				slog.Int("skipped", summary.Skipped),
			)
			break
		}

		end := i + b.config.BatchSize
		if end > len(eligible) {
			end = len(eligible)
		}

		var g errgroup.Group
		for _, ref := range eligible[i:end] {
			ref := ref // go 1.21 のループ変数セマンティクスでもゴルーチンごとに固定する
			g.Go(func() error {
				defer func() {
					if r := recover(); r != nil {
						errored.Add(1)
						b.logger.Error("会員の照合中にpanicが発生しました",
							slog.String("member_id", ref.ID),
							slog.String("customer_id", ref.PaymentCustomerID),
							slog.Any("panic", r),
						)
					}
				}()

				result, err := b.reconciler.Reconcile(ctx, ref.PaymentCustomerID, source)
				if err != nil {
					errored.Add(1)
					b.logger.Warn("会員の照合に失敗しました",
						slog.String("member_id", ref.ID),
						slog.String("customer_id", ref.PaymentCustomerID),
						slog.String("error", err.Error()),
					)
					return nil
				}
				if result.Outcome == OutcomeCorrected {
					corrected.Add(1)
				} else {
					unchanged.Add(1)
				}
				// エラーはgに返さず集計のみ行う
				return nil
			})
		}
		_ = g.Wait()
	}

	summary.Corrected = int(corrected.Load())
	summary.Unchanged = int(unchanged.Load())
	summary.Errored = int(errored.Load())
	summary.Duration = time.Since(start)

	b.metrics.RecordBatch(summary.Duration, summary.Total, summary.Errored)
	b.logger.Info("一括照合が完了しました",
		slog.String("source", string(source)),
		slog.Int("total", summary.Total),
		slog.Int("corrected", summary.Corrected),
		slog.Int("unchanged", summary.Unchanged),
		slog.Int("errored", summary.Errored),
		slog.Int("skipped", summary.Skipped),
		slog.Float64("duration_ms", float64(summary.Duration.Milliseconds())),
	)

	return summary
}
