package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"github.com/wfunc/sdl-simulator/internal/config"
	"github.com/wfunc/sdl-simulator/internal/logger"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		showVersion = flag.Bool("version", false, "显示版本信息")
		showHelp    = flag.Bool("help", false, "显示帮助信息")
		port        = flag.Int("port", 0, "覆盖 server.port")
		seed        = flag.Int64("seed", 0, "覆盖 device.seed，固定随机源")
		checkOnly   = flag.Bool("check", false, "只校验配置后退出")
	)
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}
	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	applyFlagOverrides(cfg, *port, *seed)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("配置无效: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("配置校验通过")
		os.Exit(0)
	}

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	setupSystem(&cfg.System)
	printStartInfo(cfg)

	server := NewServer(cfg)
	if err := server.Start(); err != nil {
		logger.Error("服务器启动失败", zap.Error(err))
		server.Shutdown()
		os.Exit(1)
	}

	server.WaitForShutdown()

	if err := server.Shutdown(); err != nil {
		logger.Error("服务器关闭失败", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("服务器已安全关闭")
	logger.Cleanup()
}

// applyFlagOverrides 命令行显式给出的参数优先于配置文件
func applyFlagOverrides(cfg *config.Config, port int, seed int64) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = port
		case "seed":
			cfg.Device.Seed = seed
		}
	})
}

// setupSystem 设置系统参数
func setupSystem(cfg *config.SystemConfig) {
	if cfg.Timezone != "" {
		if loc, err := time.LoadLocation(cfg.Timezone); err == nil {
			time.Local = loc
		}
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}

	// 提高文件描述符上限（Unix系统）
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err == nil {
		rLimit.Cur = rLimit.Max
		syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
	}
}

func printVersion() {
	fmt.Printf("SDL设备模拟服务器\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printHelp() {
	fmt.Println("SDL设备模拟服务器")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  sdl-simulator [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  SDL_SIM_SERVER_PORT        HTTP端口")
	fmt.Println("  SDL_SIM_DEVICE_SEED        随机源种子（0表示按时间播种）")
	fmt.Println("  SDL_SIM_MQTT_ENABLED       启用MQTT事件转发")
	fmt.Println("  SDL_SIM_DATABASE_ENABLED   启用设备记录落库")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  sdl-simulator -config=/path/to/config.yaml")
	fmt.Println("  sdl-simulator -port=8080 -seed=42")
	fmt.Println("  sdl-simulator -config=config/config.yaml -check")
	fmt.Println("  sdl-simulator -version")
}

func printStartInfo(cfg *config.Config) {
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println("                   SDL 实验设备模拟服务器")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("版本: %s | 模式: %s | PID: %d\n", Version, cfg.Server.Mode, os.Getpid())
	fmt.Printf("监听: %s:%d | 预置设备: %d\n", cfg.Server.Host, cfg.Server.Port, len(cfg.Device.Preload))
	fmt.Println("═══════════════════════════════════════════════════════════════")
}
