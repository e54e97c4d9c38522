// リードリレーサービスのエントリポイント。
// 上流のSSEストリームからリード通知を受信し、テナントの対象ユーザーの
// 端末・ブラウザへプッシュ通知として中継する。無効になった配信先は
// バックグラウンドで削除または無効化する。
package main

import (
	"context"
	"errors"
	"log"
	"math"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nao1215/leadrelay/internal/api"
	"github.com/nao1215/leadrelay/internal/config"
	"github.com/nao1215/leadrelay/internal/dedup"
	"github.com/nao1215/leadrelay/internal/metrics"
	"github.com/nao1215/leadrelay/internal/push"
	"github.com/nao1215/leadrelay/internal/recipient"
	"github.com/nao1215/leadrelay/internal/relay"
	"github.com/nao1215/leadrelay/internal/stream"
	"github.com/nao1215/leadrelay/internal/tokenstore"
	"github.com/nao1215/leadrelay/pkg/httpclient"
)

// shutdownTimeout は停止時に配信先の後始末とHTTPサーバーの停止を待つ上限。
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定が不正です: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := tokenstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("配信先ストアの初期化に失敗: %v", err)
	}
	defer store.Close()

	m := metrics.New()

	sender, err := push.NewFCMSender(ctx, cfg.Push.ProjectID, cfg.Push.CredentialsFile)
	if err != nil {
		log.Fatalf("プッシュ送信クライアントの初期化に失敗: %v", err)
	}

	cleaner := push.NewCleaner(store,
		push.WithQueueSize(cfg.Cleanup.QueueSize),
		push.WithWorkers(cfg.Cleanup.Workers),
		push.WithRate(rate.Limit(cfg.Cleanup.RatePerSecond), int(math.Max(1, math.Ceil(cfg.Cleanup.RatePerSecond)))),
		push.WithCleanupObserver(m),
	)
	cleaner.Start()

	dispatcher := push.NewDispatcher(sender, cleaner,
		push.WithBatchSize(cfg.Push.BatchSize),
		push.WithConcurrency(cfg.Push.Concurrency),
		push.WithSendTimeout(cfg.Push.SendTimeout),
		push.WithObserver(m),
	)

	window := dedup.New(cfg.Dedup.TTL)
	window.Start(ctx)

	r := relay.New(window, recipient.NewResolver(store), dispatcher, relay.WithRecorder(m))

	var clientOpts []httpclient.Option
	if cfg.Stream.Token != "" {
		clientOpts = append(clientOpts, httpclient.WithBearerToken(cfg.Stream.Token))
	}
	upstream := stream.NewClient(httpclient.New(cfg.Stream.URL, clientOpts...), "", r,
		stream.WithBackoff(stream.NewBackoff(cfg.Stream.BackoffFloor, cfg.Stream.BackoffCeiling, cfg.Stream.BackoffFactor)),
		stream.WithObserver(m),
	)

	server := api.NewServer(api.Config{
		Port:           cfg.HTTP.Port,
		JWTSecret:      cfg.HTTP.JWTSecret,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, store, upstream, m.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("[Relay] 上流ストリームの購読を開始します: %s", cfg.Stream.URL)
		if err := upstream.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return server.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("[Relay] 停止処理を開始します")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[API] HTTPサーバーの停止に失敗: %v", err)
		}
		if err := cleaner.Close(shutdownCtx); err != nil {
			log.Printf("[Cleaner] 未処理の後始末を残して停止しました: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		store.Close()
		stop()
		log.Fatalf("リードリレーサービスの実行に失敗: %v", err)
	}
	log.Printf("[Relay] サービスを停止しました")
}
