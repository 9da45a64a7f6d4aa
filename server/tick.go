package server

import (
	"context"
	"time"
)

// StartTicker 启动房间的 Tick 循环（单线程推进世界），ctx 结束时退出并清理
func (r *Room) StartTicker(ctx context.Context, interval time.Duration) {
	if r.tickerStarted {
		return
	}
	r.tickerStarted = true
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.Shutdown()
				return
			case now := <-ticker.C:
				r.Tick(now)
			}
		}
	}()
}
