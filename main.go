package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"wavesync/server"
)

// wavesync 入口：启动权威房间的 HTTP + WebSocket 服务；-mirror 时同时运行一个镜像客户端
func main() {
	var (
		configPath string
		addr       string
		mirror     string
	)
	flag.StringVar(&configPath, "config", "", "yaml config file (optional)")
	flag.StringVar(&addr, "addr", "", "server listen address, overrides config, e.g. :8080")
	flag.StringVar(&mirror, "mirror", "", "also mirror a room, e.g. ws://localhost:8080/ws?room=room-1&player=mirror")
	flag.Parse()

	if err := run(configPath, addr, mirror); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, addr, mirror string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}
	// 使用第三方 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.LogFile, cfg.LogLevel); err != nil {
		return err
	}
	defer server.SyncLogger()
	log := server.Log

	codec, err := server.NewCodec(cfg.Codec)
	if err != nil {
		return err
	}

	// 优雅退出（Ctrl+C）
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rm := server.NewRoomManager(ctx, cfg, codec, log)
	// 先预创建一个默认房间，便于快速试跑
	_ = rm.GetOrCreateRoom(server.DefaultRoomID)

	mux := http.NewServeMux()
	rm.Routes(mux)
	// 前后端分离：将 / 映射到 web 目录的静态资源
	mux.Handle("/", http.FileServer(http.Dir("web")))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("wavesync listening", "addr", cfg.Addr, "codec", codec.Name(), "tick_rate", cfg.TickRate)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if mirror != "" {
		g.Go(func() error {
			// 等待监听就绪
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			// 镜像断开不影响权威服务
			if err := server.RunPeer(ctx, mirror, cfg, log); err != nil {
				log.Warnw("mirror stopped", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
