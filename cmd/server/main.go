package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	paymentapp "stk-relay/internal/application/payment"
	"stk-relay/internal/domain/transaction"
	"stk-relay/internal/infrastructure/config"
	"stk-relay/internal/infrastructure/lipia"
	otelinfra "stk-relay/internal/infrastructure/observability/otel"
	"stk-relay/internal/infrastructure/persistence/memory"
	"stk-relay/internal/infrastructure/persistence/mongodb"
	"stk-relay/internal/infrastructure/persistence/mysql"
	"stk-relay/internal/infrastructure/security/callbacktoken"
	grpcserver "stk-relay/internal/presentation/grpc"
	"stk-relay/internal/presentation/rest"
	"stk-relay/internal/presentation/rest/handler"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// OpenTelemetryの初期化
	tracerShutdown, err := otelinfra.InitTracer(&cfg.OpenTelemetry)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(ctx); err != nil {
			log.Printf("Failed to shutdown tracer: %v", err)
		}
	}()

	meterShutdown, err := otelinfra.InitMeter(&cfg.OpenTelemetry)
	if err != nil {
		log.Fatalf("Failed to initialize meter: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meterShutdown(ctx); err != nil {
			log.Printf("Failed to shutdown meter: %v", err)
		}
	}()

	// ロガーとメトリクスの初期化
	tracer := otelinfra.Tracer("stk-relay")
	logger := otelinfra.NewLogger(tracer)
	metrics, err := otelinfra.NewMetrics("stk-relay")
	if err != nil {
		log.Fatalf("Failed to create metrics: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// トランザクションストアの初期化
	transactionRepo, storeHealth, closeStore, err := newTransactionRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize %s store: %v", cfg.Store.Backend, err)
	}
	defer closeStore()

	logger.Info(ctx, "Transaction store ready", map[string]interface{}{
		"backend": cfg.Store.Backend,
		"ttl":     cfg.Store.TTL.String(),
	})

	// プロバイダーとWebhookトークン
	lipiaClient := lipia.NewClient(&cfg.Provider, metrics)
	signer := callbacktoken.NewSigner(cfg.Callback.SigningSecret, cfg.Store.TTL)

	// アプリケーションサービスの初期化
	paymentAppService := paymentapp.NewPaymentApplicationService(
		transactionRepo,
		lipiaClient,
		signer,
		paymentapp.Options{
			CallbackBaseURL:       cfg.Provider.CallbackURL(),
			ProviderTimeout:       cfg.Provider.Timeout,
			FallbackOldestPending: cfg.Callback.FallbackOldestPending,
			TTL:                   cfg.Store.TTL,
		},
		logger,
		metrics,
	)

	// 期限切れトランザクションの掃除
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		paymentAppService.RunExpirySweeper(ctx, cfg.Store.SweepInterval)
	}()

	// REST APIルーターの初期化
	router, err := rest.NewRouter(cfg, logger, metrics, paymentAppService, signer, storeHealth)
	if err != nil {
		log.Fatalf("Failed to create router: %v", err)
	}

	// gRPCサーバーの初期化
	var grpcSrv *grpcserver.Server
	if cfg.GRPC.Enabled {
		grpcSrv, err = grpcserver.NewServer(cfg, logger, paymentAppService)
		if err != nil {
			log.Fatalf("Failed to create gRPC server: %v", err)
		}
	}

	address := fmt.Sprintf(":%d", cfg.Server.Port)

	// REST APIサーバーを別ゴルーチンで起動
	go func() {
		logger.Info(ctx, "REST API server starting", map[string]interface{}{
			"address":      address,
			"callback_url": cfg.Provider.CallbackURL(),
			"provider":     lipiaClient.Name(),
		})
		if err := router.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "REST API server error", err, nil)
			stop()
		}
	}()

	// gRPCサーバーを別ゴルーチンで起動
	if grpcSrv != nil {
		go func() {
			if err := grpcSrv.Start(); err != nil {
				logger.Error(ctx, "gRPC server error", err, nil)
				stop()
			}
		}()
	}

	// シグナルを待機
	<-ctx.Done()
	log.Println("Shutting down servers...")

	// グレースフルシャットダウン
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down REST API server: %v", err)
	}

	if grpcSrv != nil {
		if err := grpcSrv.Stop(shutdownCtx); err != nil {
			log.Printf("Error shutting down gRPC server: %v", err)
		}
	}

	<-sweeperDone
	log.Println("Servers stopped")
}

// newTransactionRepository STORE_BACKENDに応じたストアと/health用の疎通確認を作成
func newTransactionRepository(ctx context.Context, cfg *config.Config) (transaction.TransactionRepository, handler.HealthChecker, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMySQL:
		db, err := mysql.NewDB(&cfg.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := db.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return mysql.NewTransactionRepository(db), db, func() {
			if err := db.Close(); err != nil {
				log.Printf("Failed to close database: %v", err)
			}
		}, nil

	case config.StoreBackendMongo:
		client, err := mongodb.Connect(ctx, &cfg.Mongo)
		if err != nil {
			return nil, nil, nil, err
		}
		disconnect := func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(dctx); err != nil {
				log.Printf("Failed to disconnect mongo: %v", err)
			}
		}
		repo := mongodb.NewTransactionRepository(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection))
		if err := repo.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, nil, err
		}
		return repo, mongodb.NewHealthChecker(client), disconnect, nil

	default:
		return memory.NewTransactionRepository(), nil, func() {}, nil
	}
}
