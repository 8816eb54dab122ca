package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowqos/db"
)

// IngestionConfig controls how served predictions are batched into storage.
type IngestionConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	QueueSize    int           `yaml:"queue_size"`
}

// PredictionStorage is where prediction batches end up.
type PredictionStorage interface {
	SavePredictions(ctx context.Context, batch []db.Prediction) error
}

// PredictionIngester buffers predictions off the request path and writes
// them in batches, flushing when a batch fills up or the timeout elapses.
type PredictionIngester struct {
	config  IngestionConfig
	storage PredictionStorage
	logger  *zap.Logger

	queue    chan db.Prediction
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	stats     IngestionStats
	statsLock sync.RWMutex
}

type IngestionStats struct {
	Queued           int64     `json:"queued"`
	Dropped          int64     `json:"dropped"`
	Saved            int64     `json:"saved"`
	Failed           int64     `json:"failed"`
	BatchesProcessed int64     `json:"batches_processed"`
	LastFlush        time.Time `json:"last_flush"`
}

func NewPredictionIngester(config IngestionConfig, storage PredictionStorage, logger *zap.Logger) *PredictionIngester {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 2 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 10 * config.BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PredictionIngester{
		config:   config,
		storage:  storage,
		logger:   logger,
		queue:    make(chan db.Prediction, config.QueueSize),
		stopChan: make(chan struct{}),
	}
}

func (pi *PredictionIngester) Start() {
	pi.logger.Info("starting prediction ingestion",
		zap.Int("batch_size", pi.config.BatchSize),
		zap.Duration("batch_timeout", pi.config.BatchTimeout))
	pi.wg.Add(1)
	go pi.run()
}

// Stop flushes whatever is buffered and waits for the writer to finish.
func (pi *PredictionIngester) Stop() {
	pi.stopOnce.Do(func() {
		close(pi.stopChan)
	})
	pi.wg.Wait()
	pi.logger.Info("prediction ingestion stopped")
}

// Enqueue hands a prediction to the writer without blocking. When the queue
// is full the prediction is dropped and counted.
func (pi *PredictionIngester) Enqueue(p db.Prediction) bool {
	select {
	case pi.queue <- p:
		pi.statsLock.Lock()
		pi.stats.Queued++
		pi.statsLock.Unlock()
		return true
	default:
		pi.statsLock.Lock()
		pi.stats.Dropped++
		pi.statsLock.Unlock()
		return false
	}
}

func (pi *PredictionIngester) run() {
	defer pi.wg.Done()

	ticker := time.NewTicker(pi.config.BatchTimeout)
	defer ticker.Stop()

	buffer := make([]db.Prediction, 0, pi.config.BatchSize)
	flush := func() {
		if len(buffer) == 0 {
			return
		}
		pi.flush(context.Background(), buffer)
		buffer = make([]db.Prediction, 0, pi.config.BatchSize)
	}

	for {
		select {
		case <-pi.stopChan:
			for {
				select {
				case p := <-pi.queue:
					buffer = append(buffer, p)
				default:
					flush()
					return
				}
			}
		case p := <-pi.queue:
			buffer = append(buffer, p)
			if len(buffer) >= pi.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (pi *PredictionIngester) flush(ctx context.Context, batch []db.Prediction) {
	var err error
	for retry := 0; retry < pi.config.MaxRetries; retry++ {
		if err = pi.storage.SavePredictions(ctx, batch); err == nil {
			break
		}
		if retry < pi.config.MaxRetries-1 {
			time.Sleep(time.Duration(retry+1) * 100 * time.Millisecond)
		}
	}

	pi.statsLock.Lock()
	defer pi.statsLock.Unlock()
	if err != nil {
		pi.stats.Failed += int64(len(batch))
		pi.logger.Error("failed to save predictions", zap.Int("count", len(batch)), zap.Error(err))
		return
	}
	pi.stats.Saved += int64(len(batch))
	pi.stats.BatchesProcessed++
	pi.stats.LastFlush = time.Now()
	pi.logger.Debug("flushed predictions", zap.Int("count", len(batch)))
}

func (pi *PredictionIngester) GetStats() IngestionStats {
	pi.statsLock.RLock()
	defer pi.statsLock.RUnlock()

	return pi.stats
}
