package conf

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/pelletier/go-toml"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xmysql-txn/server/innodb/basic"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/recovery"
)

var ConfigPath string

type CommandLineArgs struct {
	ConfigPath string
}

/*
[logs]
log_error = /var/log/xmysql/error.log
log_infos = /var/log/xmysql/txn.log
log_level = info

[storage]
page_size           = 4096
effective_page_size = 4060

[wal]
log_dir            = redo
segment_size       = 20971520
no_sync            = false
flush_interval     = 1s
compression        = snappy
compress_threshold = 256

[recovery]
checkpoint_on_close = true
disable_locking     = false
*/
type Cfg struct {
	Raw *ini.File

	// logs
	LogError string `default:"/var/log/xmysql/error.log" yaml:"log_error" json:"log_error,omitempty"`
	LogInfos string `default:"/var/log/xmysql/txn.log" yaml:"log_infos" json:"log_infos,omitempty"`
	LogLevel string `default:"info" yaml:"log_level" json:"log_level,omitempty"`

	// storage
	PageSize          int `default:"4096" yaml:"page_size" json:"page_size,omitempty"`
	EffectivePageSize int `default:"4060" yaml:"effective_page_size" json:"effective_page_size,omitempty"`

	WAL      WALConfig
	Recovery RecoveryConfig
}

// WALConfig 预写日志配置
type WALConfig struct {
	LogDir                string `default:"redo" yaml:"log_dir" json:"log_dir,omitempty"`
	SegmentSize           int    `default:"20971520" yaml:"segment_size" json:"segment_size,omitempty"`
	NoSync                bool   `default:"false" yaml:"no_sync" json:"no_sync,omitempty"`
	FlushInterval         string `default:"1s" yaml:"flush_interval" json:"flush_interval,omitempty"`
	FlushIntervalDuration time.Duration
	Compression           string `default:"snappy" yaml:"compression" json:"compression,omitempty"`
	CompressThreshold     int    `default:"256" yaml:"compress_threshold" json:"compress_threshold,omitempty"`
}

// RecoveryConfig 崩溃恢复配置
type RecoveryConfig struct {
	CheckpointOnClose bool `default:"true" yaml:"checkpoint_on_close" json:"checkpoint_on_close,omitempty"`
	DisableLocking    bool `default:"false" yaml:"disable_locking" json:"disable_locking,omitempty"`
}

func NewCfg() *Cfg {
	return &Cfg{
		Raw:               ini.Empty(),
		LogError:          "/var/log/xmysql/error.log",
		LogInfos:          "/var/log/xmysql/txn.log",
		LogLevel:          "info",
		PageSize:          4096,
		EffectivePageSize: 4060,
		WAL: WALConfig{
			LogDir:                "redo",
			SegmentSize:           20 * 1024 * 1024,
			FlushInterval:         "1s",
			FlushIntervalDuration: time.Second,
			Compression:           "snappy",
			CompressThreshold:     256,
		},
		Recovery: RecoveryConfig{
			CheckpointOnClose: true,
		},
	}
}

// Load 按扩展名加载 ini 或 toml 配置文件
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)
	if args.ConfigPath == "" {
		return cfg, nil
	}

	var err error
	switch strings.ToLower(filepath.Ext(args.ConfigPath)) {
	case ".toml":
		err = cfg.loadToml(args.ConfigPath)
	default:
		err = cfg.loadIni(args.ConfigPath)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "load configuration %s", args.ConfigPath)
	}
	return cfg, cfg.validate()
}

func setHomePath(args *CommandLineArgs) {
	if args.ConfigPath != "" {
		ConfigPath = filepath.Dir(args.ConfigPath)
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadIni(path string) error {
	raw, err := ini.Load(path)
	if err != nil {
		return errors.Trace(err)
	}
	cfg.Raw = raw

	if err := cfg.parseLogsCfg(raw.Section("logs")); err != nil {
		return err
	}
	if err := cfg.parseStorageCfg(raw.Section("storage")); err != nil {
		return err
	}
	if err := cfg.parseWALCfg(raw.Section("wal")); err != nil {
		return err
	}
	return cfg.parseRecoveryCfg(raw.Section("recovery"))
}

func (cfg *Cfg) parseLogsCfg(section *ini.Section) error {
	cfg.LogError = valueAsString(section, "log_error", cfg.LogError)
	cfg.LogInfos = valueAsString(section, "log_infos", cfg.LogInfos)
	cfg.LogLevel = valueAsString(section, "log_level", cfg.LogLevel)
	return nil
}

func (cfg *Cfg) parseStorageCfg(section *ini.Section) error {
	var err error
	if cfg.PageSize, err = valueAsInt(section, "page_size", cfg.PageSize); err != nil {
		return err
	}
	cfg.EffectivePageSize, err = valueAsInt(section, "effective_page_size", cfg.EffectivePageSize)
	return err
}

func (cfg *Cfg) parseWALCfg(section *ini.Section) error {
	var err error
	w := &cfg.WAL
	w.LogDir = valueAsString(section, "log_dir", w.LogDir)
	w.Compression = strings.ToLower(valueAsString(section, "compression", w.Compression))
	w.FlushInterval = valueAsString(section, "flush_interval", w.FlushInterval)
	if w.SegmentSize, err = valueAsInt(section, "segment_size", w.SegmentSize); err != nil {
		return err
	}
	if w.CompressThreshold, err = valueAsInt(section, "compress_threshold", w.CompressThreshold); err != nil {
		return err
	}
	if w.NoSync, err = valueAsBool(section, "no_sync", w.NoSync); err != nil {
		return err
	}
	w.FlushIntervalDuration, err = time.ParseDuration(w.FlushInterval)
	return errors.Annotatef(err, "flush_interval %q", w.FlushInterval)
}

func (cfg *Cfg) parseRecoveryCfg(section *ini.Section) error {
	var err error
	r := &cfg.Recovery
	if r.CheckpointOnClose, err = valueAsBool(section, "checkpoint_on_close", r.CheckpointOnClose); err != nil {
		return err
	}
	r.DisableLocking, err = valueAsBool(section, "disable_locking", r.DisableLocking)
	return err
}

func (cfg *Cfg) loadToml(path string) error {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return errors.Trace(err)
	}

	cfg.LogError = tomlString(tree, "logs.log_error", cfg.LogError)
	cfg.LogInfos = tomlString(tree, "logs.log_infos", cfg.LogInfos)
	cfg.LogLevel = tomlString(tree, "logs.log_level", cfg.LogLevel)
	cfg.PageSize = tomlInt(tree, "storage.page_size", cfg.PageSize)
	cfg.EffectivePageSize = tomlInt(tree, "storage.effective_page_size", cfg.EffectivePageSize)

	w := &cfg.WAL
	w.LogDir = tomlString(tree, "wal.log_dir", w.LogDir)
	w.SegmentSize = tomlInt(tree, "wal.segment_size", w.SegmentSize)
	w.NoSync = tomlBool(tree, "wal.no_sync", w.NoSync)
	w.FlushInterval = tomlString(tree, "wal.flush_interval", w.FlushInterval)
	w.Compression = strings.ToLower(tomlString(tree, "wal.compression", w.Compression))
	w.CompressThreshold = tomlInt(tree, "wal.compress_threshold", w.CompressThreshold)
	if w.FlushIntervalDuration, err = time.ParseDuration(w.FlushInterval); err != nil {
		return errors.Annotatef(err, "flush_interval %q", w.FlushInterval)
	}

	cfg.Recovery.CheckpointOnClose = tomlBool(tree, "recovery.checkpoint_on_close", cfg.Recovery.CheckpointOnClose)
	cfg.Recovery.DisableLocking = tomlBool(tree, "recovery.disable_locking", cfg.Recovery.DisableLocking)
	return nil
}

func (cfg *Cfg) validate() error {
	switch cfg.WAL.Compression {
	case "none", "snappy", "lz4":
	default:
		return errors.NotValidf("wal compression %q", cfg.WAL.Compression)
	}
	if cfg.PageSize != basic.PAGE_SIZE {
		return errors.NotValidf("page_size %d, pages are %d bytes", cfg.PageSize, basic.PAGE_SIZE)
	}
	if cfg.EffectivePageSize <= 0 || cfg.EffectivePageSize > basic.EFFECTIVE_PAGE_SIZE {
		return errors.NotValidf("effective_page_size %d outside (0, %d]", cfg.EffectivePageSize, basic.EFFECTIVE_PAGE_SIZE)
	}
	return nil
}

// RecoveryOptionsFromCfg 由 [storage] 与 [recovery] 得到恢复管理器选项
func RecoveryOptionsFromCfg(cfg *Cfg) recovery.Options {
	opts := recovery.DefaultOptions()
	opts.EffectivePageSize = cfg.EffectivePageSize
	opts.CheckpointOnClose = cfg.Recovery.CheckpointOnClose
	opts.DisableLocking = cfg.Recovery.DisableLocking
	return opts
}

func valueAsString(section *ini.Section, keyName string, defaultValue string) string {
	if !section.HasKey(keyName) {
		return defaultValue
	}
	value := strings.TrimSpace(section.Key(keyName).String())
	if value == "" {
		return defaultValue
	}
	return value
}

func valueAsInt(section *ini.Section, keyName string, defaultValue int) (int, error) {
	if !section.HasKey(keyName) {
		return defaultValue, nil
	}
	v, err := section.Key(keyName).Int()
	if err != nil {
		return 0, errors.Annotatef(err, "[%s] %s", section.Name(), keyName)
	}
	return v, nil
}

func valueAsBool(section *ini.Section, keyName string, defaultValue bool) (bool, error) {
	if !section.HasKey(keyName) {
		return defaultValue, nil
	}
	v, err := section.Key(keyName).Bool()
	if err != nil {
		return false, errors.Annotatef(err, "[%s] %s", section.Name(), keyName)
	}
	return v, nil
}

func tomlString(tree *toml.Tree, key string, defaultValue string) string {
	if v, ok := tree.Get(key).(string); ok && v != "" {
		return v
	}
	return defaultValue
}

func tomlInt(tree *toml.Tree, key string, defaultValue int) int {
	if v, ok := tree.Get(key).(int64); ok {
		return int(v)
	}
	return defaultValue
}

func tomlBool(tree *toml.Tree, key string, defaultValue bool) bool {
	if v, ok := tree.Get(key).(bool); ok {
		return v
	}
	return defaultValue
}
