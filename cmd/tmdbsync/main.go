package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/John-Robertt/tmdbsync/internal/app/run"
	"github.com/John-Robertt/tmdbsync/internal/catalog"
	"github.com/John-Robertt/tmdbsync/internal/config"
	"github.com/John-Robertt/tmdbsync/internal/domain"
	"github.com/John-Robertt/tmdbsync/internal/infra/cache"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	config.RegisterFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printRunUsage(fs)
			return 0
		}
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage(fs)
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "参数错误：不接受位置参数 %q\n\n", fs.Args())
		printRunUsage(fs)
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, fs)
	if err != nil {
		dryRun, _ := fs.GetBool("dry-run")
		emitReport(reportForConfigError(cwd, dryRun, err))
		return 2
	}

	log := newLogger(eff, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		ui := newProgressUI(progressW)
		defer ui.Close()
		obs = ui
	}

	rr := run.ExecuteWithObserver(ctx, eff, catalog.Default(), log, obs)

	// 非 dry-run：写入 <out>/cache/report.json；dry-run 禁止落盘。
	// lock_held 时输出目录属于另一个写入者，不覆盖它的报告。
	if !eff.DryRun && rr.ErrorCode != domain.ErrCodeLockHeld {
		if err := writeReportFile(eff.OutDir, rr); err != nil {
			log.WithError(err).Error("写入 report.json 失败")
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	if rr.OK() {
		return 0
	}
	return 1
}

func newLogger(eff config.EffectiveConfig, w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(eff.LogLevel)
	if eff.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	}
	return l
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  tmdbsync run [flags]

命令：
  run    增量同步 TMDB 目录数据（下载 ID 全集 -> 过滤已有 -> 分批抓取 -> 追加写入）

使用 "tmdbsync run --help" 查看详细说明。
`)
}

func printRunUsage(fs *pflag.FlagSet) {
	fmt.Fprint(os.Stdout, "用法：\n  tmdbsync run [flags]\n\n参数：\n")
	fmt.Fprint(os.Stdout, fs.FlagUsages())
	fmt.Fprint(os.Stdout, `
配置来源（优先级从高到低）：参数 > TMDBSYNC_* 环境变量 > ./.env > ./tmdbsync.yaml > 默认值
`)
}

func emitReport(rr domain.RunReport) {
	summary := fmt.Sprintf("完成：completed=%d failed=%d interrupted=%d planned=%d fetched=%d abandoned=%d written=%d",
		rr.Summary.Completed, rr.Summary.Failed, rr.Summary.Interrupted, rr.Summary.Planned,
		rr.Summary.Fetched, rr.Summary.Abandoned, rr.Summary.EntitiesWritten,
	)

	if isTTY(os.Stdout) {
		fmt.Fprintln(os.Stdout, summary)
		if rr.ErrorCode != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", rr.ErrorCode, rr.ErrorMsg)
		}
		for _, c := range rr.Categories {
			if c.Status != domain.StatusFailed && c.Status != domain.StatusInterrupted {
				continue
			}
			fmt.Fprintf(os.Stderr, "%s %s: %s\n", c.Category, c.ErrorCode, c.ErrorMsg)
		}
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintln(os.Stderr, summary)
}

func reportForConfigError(cwd string, dryRun bool, err error) domain.RunReport {
	now := time.Now().UTC()
	rr := domain.RunReport{
		OutDir:     cwd,
		DryRun:     dryRun,
		StartedAt:  now,
		FinishedAt: now,
		ErrorCode:  config.Code(err),
		ErrorMsg:   err.Error(),
	}
	if rr.ErrorCode == "" {
		rr.ErrorCode = domain.ErrCodeConfigInvalid
	}
	rr.Finalize()
	return rr
}

func writeReportFile(outDir string, rr domain.RunReport) error {
	b, err := json.MarshalIndent(rr, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return cache.New(outDir, false).WriteReport(b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	if w == nil {
		return
	}
	if !eff.DryRun {
		fmt.Fprintf(w, "report: %s\n", filepath.Join(eff.OutDir, "cache", "report.json"))
	}
	fmt.Fprintf(w, "out: %s\n", eff.OutDir)
}
