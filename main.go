package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/xmysql-txn/logger"
	"github.com/zhukovaskychina/xmysql-txn/server/conf"
	"github.com/zhukovaskychina/xmysql-txn/server/innodb/manager"
)

const help = `
******************************************************************************************
*帮助:
*1. -- help
*2. -- configPath   指定my.ini或.toml配置文件
*3. -- from         从指定LSN开始输出日志记录，默认从主记录指向的检查点开始
******************************************************************************************
`

func main() {
	var (
		configPath string
		from       int64
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.Int64Var(&from, "from", -1, "起始LSN")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(configPath, from); err != nil {
		logger.Errorf("%s", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func run(configPath string, from int64) error {
	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		return err
	}
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}); err != nil {
		return errors.Annotate(err, "init logger")
	}

	redoCfg, err := manager.RedoLogConfigFromCfg(config)
	if err != nil {
		return err
	}
	// 只读取，不需要后台刷盘
	redoCfg.FlushInterval = 0
	redoLog, err := manager.NewRedoLogManager(redoCfg)
	if err != nil {
		return err
	}
	defer redoLog.Close()

	master, err := redoLog.FetchLogRecord(0)
	if err != nil {
		return errors.Annotatef(err, "read master record in %s", redoCfg.LogDir)
	}
	opts := conf.RecoveryOptionsFromCfg(config)
	fmt.Printf("# log %s flushed=%d checkpoint=%d effective_page_size=%d\n",
		redoCfg.LogDir, redoLog.FlushedLSN(), master.LastCheckpointLSN(), opts.EffectivePageSize)
	if from < 0 {
		from = master.LastCheckpointLSN()
	}

	enc := json.NewEncoder(os.Stdout)
	it := redoLog.ScanFrom(from)
	n, oversized := 0, 0
	for it.Next() {
		rec := it.Record()
		// 单条记录必须能放进一页
		data, err := rec.Encode()
		if err != nil {
			return errors.Annotatef(err, "encode LSN %d", rec.LSN())
		}
		if size := len(data); size > opts.EffectivePageSize {
			logger.Warnf("LSN %d is %d bytes, over effective page size %d", rec.LSN(), size, opts.EffectivePageSize)
			oversized++
		}
		if err := enc.Encode(rec); err != nil {
			return errors.Trace(err)
		}
		n++
	}
	if err := it.Err(); err != nil {
		return errors.Annotatef(err, "scan after %d records", n)
	}
	logger.Infof("dumped %d log records from LSN %d, %d oversized", n, from, oversized)
	return nil
}
