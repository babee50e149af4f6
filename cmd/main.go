package main

import (
	"encoding/base64"
	"flag"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/oarkflow/log"
	"github.com/redis/go-redis/v9"

	"github.com/reqguard/reqguard"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	flag.Parse()

	logger := &log.Logger{
		Level:  log.InfoLevel,
		Writer: &log.ConsoleWriter{ColorOutput: true},
	}

	cfg, err := reqguard.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	var store reqguard.StateStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store = reqguard.NewRedisStateStore(client)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	} else {
		store = reqguard.NewInMemoryStateStore()
		logger.Info().Msg("using in-memory state store")
	}

	memLedger := reqguard.NewMemoryLedger(5 * time.Minute)
	ledgers := []reqguard.Ledger{memLedger}
	var auditLedger *reqguard.SQLiteLedger
	if cfg.LedgerPath != "" {
		auditLedger, err = reqguard.NewSQLiteLedger(cfg.LedgerPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.LedgerPath).Msg("ledger open failed")
		}
		defer auditLedger.Close()
		ledgers = append(ledgers, auditLedger)
	}

	var cipher *reqguard.FieldCipher
	if cfg.EncryptionKey != "" {
		key, _ := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		cipher, err = reqguard.NewFieldCipher(key)
	} else {
		cipher, err = reqguard.NewFieldCipher(nil)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("field cipher init failed")
	}
	_ = cipher // reserved for handlers that persist sensitive fields

	pipeline := reqguard.New(reqguard.Options{
		Store:        store,
		Ledger:       reqguard.NewFanoutLedger(ledgers...),
		Logger:       logger,
		Limits:       cfg.PipelineLimits(),
		StoreTimeout: cfg.StoreTimeout(),
	})

	if *configPath != "" {
		stop, err := reqguard.WatchConfig(*configPath, pipeline, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("config watch disabled")
		} else {
			defer stop()
		}
	}

	app := fiber.New(fiber.Config{AppName: "reqguard"})
	app.Use(pipeline.Middleware())

	app.Get("/health", func(c *fiber.Ctx) error {
		if err := pipeline.HealthCheck(c.UserContext()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "degraded", "error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Post("/analyze", func(c *fiber.Ctx) error {
		var req reqguard.Request
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		start := time.Now()
		result := pipeline.Evaluate(c.UserContext(), &req)
		pipeline.RecordOutcome(c.UserContext(), result, time.Since(start).Seconds())
		return c.JSON(result)
	})

	app.Post("/login", func(c *fiber.Ctx) error {
		var body struct {
			UserID  string `json:"userId"`
			IP      string `json:"ip"`
			Success bool   `json:"success"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}
		pipeline.RecordLogin(c.UserContext(), body.UserID, body.IP, body.Success)
		return c.JSON(fiber.Map{"recorded": true})
	})

	app.Get("/metrics", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Format(time.RFC3339),
			"metrics":   pipeline.Metrics(),
			"summary":   memLedger.Summary(),
		})
	})

	app.Get("/metrics/prometheus", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/plain; version=0.0.4")
		return c.SendString(pipeline.Collector().ExportPrometheus())
	})

	app.Get("/detections", func(c *fiber.Ctx) error {
		if auditLedger != nil {
			rows, err := auditLedger.Recent(c.UserContext(), c.QueryInt("limit", 50))
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
			}
			return c.JSON(rows)
		}
		return c.JSON(memLedger.Snapshot())
	})

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			memLedger.Cleanup()
			if mem, ok := store.(*reqguard.InMemoryStateStore); ok {
				mem.Cleanup()
			}
		}
	}()

	logger.Info().Str("addr", cfg.ListenAddr).Msg("reqguard listening")
	if err := app.Listen(cfg.ListenAddr); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
