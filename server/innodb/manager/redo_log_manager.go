package manager

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/tidwall/wal"

	"github.com/zhukovaskychina/xmysql-txn/logger"
	"github.com/zhukovaskychina/xmysql-txn/server/conf"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

const (
	walDirName     = "wal"
	masterFileName = "master"
)

// RedoLogConfig 重做日志配置
type RedoLogConfig struct {
	LogDir            string
	SegmentSize       int
	NoSync            bool
	FlushInterval     time.Duration // 0 表示不启动后台刷新
	Compression       uint8
	CompressThreshold int
}

// RedoLogConfigFromCfg 由全局配置得到重做日志配置
func RedoLogConfigFromCfg(cfg *conf.Cfg) (RedoLogConfig, error) {
	method, err := CompressionMethodFromString(cfg.WAL.Compression)
	if err != nil {
		return RedoLogConfig{}, err
	}
	return RedoLogConfig{
		LogDir:            cfg.WAL.LogDir,
		SegmentSize:       cfg.WAL.SegmentSize,
		NoSync:            cfg.WAL.NoSync,
		FlushInterval:     cfg.WAL.FlushIntervalDuration,
		Compression:       method,
		CompressThreshold: cfg.WAL.CompressThreshold,
	}, nil
}

type pendingRecord struct {
	lsn   int64
	frame []byte
}

// RedoLogManager 持久化的预写日志。记录保存在 tidwall/wal 中，wal 下标即 LSN；
// 主记录单独保存在 master 文件中，对应 LSN 0。
// 追加的记录先放在内存缓冲区，FlushToLSN 时批量写入。
type RedoLogManager struct {
	mu         sync.RWMutex
	log        *wal.Log
	logDir     string
	codec      *CompressionManager
	pending    []pendingRecord
	nextLSN    int64
	flushedLSN int64
	master     []byte // 已编码的主记录帧
	closed     bool

	flushInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewRedoLogManager 打开或创建 cfg.LogDir 下的日志
func NewRedoLogManager(cfg RedoLogConfig) (*RedoLogManager, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	opts := *wal.DefaultOptions
	opts.NoSync = cfg.NoSync
	opts.LogFormat = wal.Binary
	if cfg.SegmentSize > 0 {
		opts.SegmentSize = cfg.SegmentSize
	}
	log, err := wal.Open(filepath.Join(cfg.LogDir, walDirName), &opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open wal in %s", cfg.LogDir)
	}
	last, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, errors.Trace(err)
	}

	r := &RedoLogManager{
		log:           log,
		logDir:        cfg.LogDir,
		codec:         NewCompressionManager(cfg.Compression, cfg.CompressThreshold),
		nextLSN:       int64(last) + 1,
		flushedLSN:    int64(last),
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
	}
	master, err := os.ReadFile(filepath.Join(cfg.LogDir, masterFileName))
	switch {
	case err == nil:
		r.master = master
	case os.IsNotExist(err):
		if last == 0 {
			r.flushedLSN = -1
		}
	default:
		log.Close()
		return nil, errors.Trace(err)
	}

	if r.flushInterval > 0 {
		r.wg.Add(1)
		go r.backgroundFlush()
	}
	logger.Infof("redo log opened at %s, next LSN %d", cfg.LogDir, r.nextLSN)
	return r, nil
}

// AppendToLog 主记录直接改写 master 文件并返回 0，其余记录进入缓冲区
func (r *RedoLogManager) AppendToLog(rec *recovery.LogRecord) (int64, error) {
	if rec.Type() == recovery.LOG_TYPE_MASTER {
		return 0, r.RewriteMasterRecord(rec)
	}
	data, err := rec.Encode()
	if err != nil {
		return 0, err
	}
	frame, err := r.codec.EncodeFrame(data)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errors.Trace(ErrLogClosed)
	}
	lsn := r.nextLSN
	r.nextLSN++
	r.pending = append(r.pending, pendingRecord{lsn: lsn, frame: frame})
	return lsn, nil
}

func (r *RedoLogManager) FlushToLSN(lsn int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Trace(ErrLogClosed)
	}
	return r.flushLocked(lsn)
}

func (r *RedoLogManager) flushLocked(lsn int64) error {
	n := 0
	for n < len(r.pending) && r.pending[n].lsn <= lsn {
		n++
	}
	if n == 0 {
		return nil
	}
	var batch wal.Batch
	for _, p := range r.pending[:n] {
		batch.Write(uint64(p.lsn), p.frame)
	}
	if err := r.log.WriteBatch(&batch); err != nil {
		return errors.Annotatef(err, "flush to LSN %d", lsn)
	}
	r.flushedLSN = r.pending[n-1].lsn
	r.pending = append(r.pending[:0], r.pending[n:]...)
	return nil
}

func (r *RedoLogManager) FlushedLSN() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flushedLSN
}

func (r *RedoLogManager) FetchLogRecord(lsn int64) (*recovery.LogRecord, error) {
	frame, err := r.frame(lsn)
	if err != nil {
		return nil, err
	}
	data, err := r.codec.DecodeFrame(frame)
	if err != nil {
		return nil, errors.Annotatef(err, "LSN %d", lsn)
	}
	rec, err := recovery.DecodeLogRecord(data)
	if err != nil {
		return nil, errors.Annotatef(err, "LSN %d", lsn)
	}
	return rec.WithLSN(lsn), nil
}

func (r *RedoLogManager) frame(lsn int64) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, errors.Trace(ErrLogClosed)
	}
	if lsn == 0 {
		if r.master == nil {
			return nil, errors.Annotatef(ErrLogRecordNotFound, "no master record")
		}
		return r.master, nil
	}
	if lsn < 0 || lsn >= r.nextLSN {
		return nil, errors.Annotatef(ErrLogRecordNotFound, "LSN %d", lsn)
	}
	if lsn > r.flushedLSN {
		return r.pending[lsn-r.pending[0].lsn].frame, nil
	}
	frame, err := r.log.Read(uint64(lsn))
	if err == wal.ErrNotFound {
		return nil, errors.Annotatef(ErrLogRecordNotFound, "LSN %d", lsn)
	}
	return frame, errors.Trace(err)
}

// ScanFrom 从 lsn 开始遍历到遍历时的日志末尾，包含尚未刷盘的记录
func (r *RedoLogManager) ScanFrom(lsn int64) recovery.LogIterator {
	if lsn < 0 {
		lsn = 0
	}
	r.mu.RLock()
	if lsn == 0 && r.master == nil {
		lsn = 1
	}
	r.mu.RUnlock()
	return &logIterator{next: lsn, fetch: r.fetchForScan}
}

func (r *RedoLogManager) fetchForScan(lsn int64) (*recovery.LogRecord, bool, error) {
	r.mu.RLock()
	end := lsn >= r.nextLSN
	r.mu.RUnlock()
	if end {
		return nil, false, nil
	}
	rec, err := r.FetchLogRecord(lsn)
	return rec, err == nil, err
}

// RewriteMasterRecord 写临时文件后原子改名
func (r *RedoLogManager) RewriteMasterRecord(rec *recovery.LogRecord) error {
	if rec.Type() != recovery.LOG_TYPE_MASTER {
		return errors.NotValidf("master record of type %s", rec.Type())
	}
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	frame, err := r.codec.EncodeFrame(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Trace(ErrLogClosed)
	}
	if err := writeFileAtomic(filepath.Join(r.logDir, masterFileName), frame); err != nil {
		return errors.Annotatef(err, "rewrite master record")
	}
	r.master = frame
	if r.flushedLSN < 0 {
		r.flushedLSN = 0
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// backgroundFlush 后台定期刷新
func (r *RedoLogManager) backgroundFlush() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.mu.Lock()
			if !r.closed {
				if err := r.flushLocked(r.nextLSN - 1); err != nil {
					logger.Warnf("redo log background flush: %v", err)
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *RedoLogManager) stop() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.mu.Unlock()
	close(r.stopChan)
	r.wg.Wait()
	return true
}

// Close 刷新全部缓冲的日志后关闭
func (r *RedoLogManager) Close() error {
	if !r.stop() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.flushLocked(r.nextLSN - 1); err != nil {
		r.log.Close()
		return err
	}
	return errors.Trace(r.log.Close())
}

// Crash 丢弃缓冲区中未刷盘的记录并关闭，模拟进程崩溃
func (r *RedoLogManager) Crash() error {
	if !r.stop() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	return errors.Trace(r.log.Close())
}
