package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Bot == nil || len(cfg.Bot.Symbols) == 0 {
		t.Fatal("expected default bot symbols")
	}
	if cfg.Scoring == nil || cfg.Scoring.MinScore <= 0 {
		t.Fatal("expected default scoring threshold")
	}
	if cfg.Circuit == nil || cfg.Circuit.MaxOpensPerMinute <= 0 {
		t.Fatal("expected default breaker limits")
	}
	if cfg.Ledger.StartingBalance <= 0 {
		t.Fatalf("expected positive starting balance, got %v", cfg.Ledger.StartingBalance)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOT_SYMBOLS", "BTCUSDT,DOGEUSDT")
	t.Setenv("BOT_SCAN_INTERVAL", "45s")
	t.Setenv("SCORING_MIN_SCORE", "30")
	t.Setenv("PAPER_TRADING", "true")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("WEB_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Bot.Symbols) != 2 || cfg.Bot.Symbols[1] != "DOGEUSDT" {
		t.Fatalf("symbols override not applied: %v", cfg.Bot.Symbols)
	}
	if cfg.Bot.ScanInterval != 45*time.Second {
		t.Fatalf("scan interval override not applied: %v", cfg.Bot.ScanInterval)
	}
	if cfg.Scoring.MinScore != 30 {
		t.Fatalf("min score override not applied: %v", cfg.Scoring.MinScore)
	}
	if !cfg.PaperTrading {
		t.Fatal("paper trading override not applied")
	}
	if cfg.Database.Host != "db.internal" {
		t.Fatalf("db host override not applied: %v", cfg.Database.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("web port override not applied: %v", cfg.Server.Port)
	}
}

func TestInvalidScanIntervalFallsBack(t *testing.T) {
	t.Setenv("BOT_SCAN_INTERVAL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bot.ScanInterval != 30*time.Second {
		t.Fatalf("expected default scan interval, got %v", cfg.Bot.ScanInterval)
	}
}
