package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"VaultEngine/internal/core"
	"VaultEngine/internal/ingestion"
	"VaultEngine/internal/observability"
	"VaultEngine/internal/oracle"
	"VaultEngine/internal/persistence"
	"VaultEngine/internal/projection"
	"VaultEngine/internal/rebalancer"
	"VaultEngine/internal/server"
	"VaultEngine/internal/state"
	"VaultEngine/internal/token"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

type config struct {
	postgresDSN   string
	natsURL       string
	httpAddr      string
	migrationsDir string

	msgChanSize     int
	persistChanSize int
	publishChanSize int

	batchSize        int
	flushTimeout     time.Duration
	snapshotInterval int64

	initialPrice int64
	oracleCost   int64
}

func loadConfig() config {
	return config{
		postgresDSN:   envStr("VAULT_POSTGRES_DSN", "postgres://localhost:5432/vaultengine?sslmode=disable"),
		natsURL:       envStr("VAULT_NATS_URL", "nats://localhost:4222"),
		httpAddr:      envStr("VAULT_HTTP_ADDR", ":8080"),
		migrationsDir: envStr("VAULT_MIGRATIONS_DIR", "migrations"),

		msgChanSize:     envInt("VAULT_MSG_CHAN_SIZE", 1024),
		persistChanSize: envInt("VAULT_PERSIST_CHAN_SIZE", 1024),
		publishChanSize: envInt("VAULT_PUBLISH_CHAN_SIZE", 4096),

		batchSize:        envInt("VAULT_PERSIST_BATCH_SIZE", 100),
		flushTimeout:     time.Duration(envInt("VAULT_PERSIST_FLUSH_MS", 200)) * time.Millisecond,
		snapshotInterval: int64(envInt("VAULT_SNAPSHOT_INTERVAL", 1000)),

		initialPrice: envInt64("VAULT_INITIAL_PRICE", 2000_00000000),
		oracleCost:   envInt64("VAULT_ORACLE_COST", 0),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	log := observability.NewLogger("vaultengine")
	cfg := loadConfig()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres.
	db, err := sql.Open("postgres", cfg.postgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open postgres")
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("ping postgres")
	}

	migrator := persistence.NewMigrator(db, cfg.migrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}

	snapshots := persistence.NewSnapshotManager(db)

	// Channels. The persist channel is the durability path: the engine
	// blocks on it, so its depth bounds how far the log can lag. The
	// publish channels are best-effort fan-out.
	msgChan := make(chan ingestion.RawMessage, cfg.msgChanSize)
	persistChan := make(chan core.Output, cfg.persistChanSize)
	publishChan := make(chan core.Output, cfg.publishChanSize)
	rowChan := make(chan persistence.EventRow, cfg.persistChanSize)
	projChan := make(chan core.Output, cfg.publishChanSize)
	outboundChan := make(chan core.Output, cfg.publishChanSize)

	// Engine dependencies.
	priceOracle := oracle.NewFixtureOracle(cfg.initialPrice)
	priceOracle.SetCost(cfg.oracleCost)
	usdn := token.NewDivisorToken()

	now := time.Now().Unix()
	engine, err := core.NewEngine(core.Config{
		Params:         state.DefaultParams(),
		InitialPrice:   cfg.initialPrice,
		StartTimestamp: now,
		Token:          usdn,
		Oracle:         priceOracle,
		Rebalancer:     rebalancer.Noop{},
		Logger:         log,
		Metrics:        metrics,
		PersistChan:    persistChan,
		PublishChan:    publishChan,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build engine")
	}

	// Restore from the latest snapshot if one exists. Commands that
	// arrived after the snapshot are still unacknowledged on the NATS
	// consumers and will be redelivered.
	snapSeq, snapData, err := snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load snapshot")
	}
	if snapData != nil {
		var snap core.EngineSnapshot
		if err := json.Unmarshal(snapData, &snap); err != nil {
			log.Fatal().Err(err).Int64("sequence", snapSeq).Msg("decode snapshot")
		}
		engine.Restore(snap)
		log.Info().Int64("sequence", snapSeq).Msg("restored engine from snapshot")
	}

	// Warm the read model from the event log tail.
	view := projection.NewStateView()
	warmProjection(ctx, view, snapshots, snapSeq, log)

	// NATS.
	nc, js, err := ingestion.ConnectNATS(cfg.natsURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats")
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	subscriber := ingestion.NewNATSSubscriber(js, msgChan, log)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}

	persistWorker := persistence.NewWorker(db, rowChan, cfg.batchSize, cfg.flushTimeout, log, metrics)
	projWorker := projection.NewWorker(view, projChan)
	publisher := ingestion.NewOutboundPublisher(js, outboundChan, log)
	httpServer := server.New(view, snapshots, health, metrics, log)

	errChan := make(chan error, 8)

	// Goroutine inventory:
	//   1. command loop  (msgChan -> engine)
	//   2. persist bridge (persistChan -> rowChan)
	//   3. publish fan-out (publishChan -> projChan, outboundChan)
	//   4. persistence worker
	//   5. projection worker
	//   6. outbound publisher
	//   7. HTTP server

	go func() {
		runCommandLoop(ctx, engine, priceOracle, snapshots, msgChan, cfg.snapshotInterval, log, metrics)
		errChan <- nil
	}()

	go func() {
		for out := range persistChan {
			env := out.Envelope
			select {
			case rowChan <- persistence.EventRow{
				Sequence:     env.Sequence,
				EventType:    env.EventType.String(),
				UserID:       env.User,
				Payload:      env.Payload,
				BalanceLong:  env.BalanceLong,
				BalanceVault: env.BalanceVault,
				TotalExpo:    env.TotalExpo,
				Timestamp:    env.Timestamp,
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for out := range publishChan {
			select {
			case projChan <- out:
			default:
				metrics.PublishDrops.Inc()
			}
			select {
			case outboundChan <- out:
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}()

	go func() { errChan <- persistWorker.Run(ctx) }()
	go func() { errChan <- projWorker.Run(ctx) }()
	go func() { errChan <- publisher.Run(ctx) }()
	go func() { errChan <- httpServer.Run(ctx, cfg.httpAddr) }()

	health.SetReady(true)
	log.Info().
		Str("http_addr", cfg.httpAddr).
		Str("nats_url", cfg.natsURL).
		Int64("initial_price", cfg.initialPrice).
		Msg("vault engine running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		if err != nil {
			log.Error().Err(err).Msg("worker failed, shutting down")
		}
	}

	health.SetReady(false)
	subscriber.Stop()
	cancel()

	// Final snapshot so the next start does not rely on redelivery
	// alone.
	saveSnapshot(context.Background(), engine, snapshots, metrics, log)

	// Give workers a moment to drain final batches.
	time.Sleep(500 * time.Millisecond)
	log.Info().Msg("shutdown complete")
}

// runCommandLoop is the single writer of engine state. Every mutation
// flows through here, so the engine itself needs no locking.
func runCommandLoop(
	ctx context.Context,
	engine *core.Engine,
	priceOracle *oracle.FixtureOracle,
	snapshots *persistence.SnapshotManager,
	msgChan <-chan ingestion.RawMessage,
	snapshotInterval int64,
	log zerolog.Logger,
	metrics *observability.Metrics,
) {
	var processed int64

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-msgChan:
			if !ok {
				return
			}

			kind, err := ingestion.KindForSubject(raw.Subject)
			if err != nil {
				log.Warn().Str("subject", raw.Subject).Msg("unroutable subject")
				metrics.IngestMessages.WithLabelValues(raw.Subject, "unroutable").Inc()
				raw.AckFunc()
				continue
			}

			cmd, err := ingestion.ParseCommand(raw, kind)
			if err != nil {
				// Malformed payloads never become valid on redelivery.
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
				metrics.IngestMessages.WithLabelValues(raw.Subject, "parse_error").Inc()
				raw.AckFunc()
				continue
			}

			if err := dispatch(engine, priceOracle, cmd); err != nil {
				// Engine rejections are deterministic. Redelivering the
				// same command yields the same answer, so ack and move
				// on. The rejection is visible in engine metrics/logs.
				log.Debug().Err(err).Str("kind", string(cmd.Kind)).Str("user", cmd.User.String()).Msg("command rejected")
				metrics.IngestMessages.WithLabelValues(raw.Subject, "rejected").Inc()
				raw.AckFunc()
				continue
			}

			metrics.IngestMessages.WithLabelValues(raw.Subject, "ok").Inc()
			raw.AckFunc()

			processed++
			if snapshotInterval > 0 && processed%snapshotInterval == 0 {
				saveSnapshot(ctx, engine, snapshots, metrics, log)
			}
		}
	}
}

func dispatch(engine *core.Engine, priceOracle *oracle.FixtureOracle, cmd ingestion.Command) error {
	ts := cmd.Timestamp.Unix()

	switch cmd.Kind {
	case ingestion.CmdInitiateDeposit:
		return engine.InitiateDeposit(cmd.User, cmd.Validator, cmd.Amount, cmd.SecurityDeposit, cmd.PriceProof, cmd.OracleFee, ts)
	case ingestion.CmdValidateDeposit:
		return engine.ValidateDeposit(cmd.User, cmd.PriceProof, cmd.OracleFee, ts)
	case ingestion.CmdInitiateWithdrawal:
		return engine.InitiateWithdrawal(cmd.User, cmd.Validator, cmd.Shares, cmd.SecurityDeposit, cmd.PriceProof, cmd.OracleFee, ts)
	case ingestion.CmdValidateWithdrawal:
		return engine.ValidateWithdrawal(cmd.User, cmd.PriceProof, cmd.OracleFee, ts)
	case ingestion.CmdInitiateOpen:
		_, err := engine.InitiateOpenPosition(cmd.User, cmd.Validator, cmd.Amount, cmd.DesiredLiqPrice, cmd.SecurityDeposit, cmd.PriceProof, cmd.OracleFee, ts)
		return err
	case ingestion.CmdValidateOpen:
		return engine.ValidateOpenPosition(cmd.User, cmd.PriceProof, cmd.OracleFee, ts)
	case ingestion.CmdInitiateClose:
		return engine.InitiateClosePosition(cmd.User, cmd.Validator, cmd.Ref, cmd.SecurityDeposit, cmd.PriceProof, cmd.OracleFee, ts)
	case ingestion.CmdValidateClose:
		return engine.ValidateClosePosition(cmd.User, cmd.PriceProof, cmd.OracleFee, ts)
	case ingestion.CmdLiquidate:
		_, err := engine.Liquidate(cmd.User, cmd.PriceProof, cmd.OracleFee, ts, cmd.MaxIterations)
		return err
	case ingestion.CmdValidateActionable:
		_, err := engine.ValidateActionablePendingActions(cmd.User, cmd.Max, ts)
		return err
	case ingestion.CmdRefundDeposit:
		return engine.RefundSecurityDeposit(cmd.User, ts)
	case ingestion.CmdTransferOwnership:
		return engine.TransferPositionOwnership(cmd.User, cmd.Ref, cmd.NewOwner, ts)
	case ingestion.CmdPriceUpdate:
		priceOracle.SetPrice(cmd.Price)
		priceOracle.Record(ts, cmd.Price)
		return nil
	default:
		return nil
	}
}

func saveSnapshot(ctx context.Context, engine *core.Engine, snapshots *persistence.SnapshotManager, metrics *observability.Metrics, log zerolog.Logger) {
	start := time.Now()
	snap := engine.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("encode snapshot")
		return
	}
	if err := snapshots.SaveSnapshot(ctx, snap.Sequence, data); err != nil {
		log.Error().Err(err).Int64("sequence", snap.Sequence).Msg("save snapshot")
		return
	}
	metrics.SnapshotTaken.Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	log.Info().Int64("sequence", snap.Sequence).Msg("snapshot saved")
}

// warmProjection replays the persisted event tail into the read model
// so the API has history immediately after a restart.
func warmProjection(ctx context.Context, view *projection.StateView, snapshots *persistence.SnapshotManager, fromSeq int64, log zerolog.Logger) {
	const pageSize = 500

	next := fromSeq
	total := 0
	for {
		rows, err := snapshots.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			log.Error().Err(err).Msg("warm projection")
			return
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			view.ApplyRow(row.Sequence, row.EventType, row.UserID, row.Timestamp, row.Payload, row.BalanceLong, row.BalanceVault, row.TotalExpo)
			next = row.Sequence + 1
		}
		total += len(rows)
		if len(rows) < pageSize {
			break
		}
	}
	if total > 0 {
		log.Info().Int("events", total).Msg("projection warmed from event log")
	}
}
