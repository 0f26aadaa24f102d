package config

import "testing"

func validConfig() *TradingConfig {
	return &TradingConfig{
		Schedule: Schedule{
			TradingStart:           "08:59",
			TradingEnd:             "15:30",
			DefaultIntervalSeconds: 5,
			DefaultOffsetSeconds:   0,
		},
		Stocks: map[string]StockConfig{
			"005930": {
				Name:            "Samsung Electronics",
				IntervalSeconds: 3,
				OffsetSeconds:   1,
				Strategies: []StrategyConfig{
					{Name: "bollinger", Allocation: 20, ExecutionMode: "scheduler"},
				},
			},
		},
	}
}

func TestValidateRejectsMissingName(t *testing.T) {
	cfg := validConfig()
	sc := cfg.Stocks["005930"]
	sc.Name = ""
	cfg.Stocks["005930"] = sc

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing stock name")
	}
}

func TestValidateRejectsNoStrategies(t *testing.T) {
	cfg := validConfig()
	sc := cfg.Stocks["005930"]
	sc.Strategies = nil
	cfg.Stocks["005930"] = sc

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for stock with no strategies")
	}
}

func TestValidateRejectsBadExecutionMode(t *testing.T) {
	cfg := validConfig()
	sc := cfg.Stocks["005930"]
	sc.Strategies[0].ExecutionMode = "cron"
	cfg.Stocks["005930"] = sc

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad execution_mode")
	}
}

func TestStockIntervalOffsetFallback(t *testing.T) {
	cfg := validConfig()

	if got := cfg.StockInterval("005930"); got != 3 {
		t.Errorf("StockInterval override = %d, want 3", got)
	}
	if got := cfg.StockOffset("005930"); got != 1 {
		t.Errorf("StockOffset override = %d, want 1", got)
	}
	if got := cfg.StockInterval("000660"); got != 5 {
		t.Errorf("StockInterval fallback = %d, want schedule default 5", got)
	}
	if got := cfg.StockOffset("000660"); got != 0 {
		t.Errorf("StockOffset fallback = %d, want schedule default 0", got)
	}
}

func TestCredentialsForMode(t *testing.T) {
	creds := &Credentials{
		Paper: BrokerCredentials{AppKey: "paper-key"},
		Live:  BrokerCredentials{AppKey: "live-key"},
	}
	if got := creds.ForMode("live").AppKey; got != "live-key" {
		t.Errorf("ForMode(live) = %s, want live-key", got)
	}
	if got := creds.ForMode("paper").AppKey; got != "paper-key" {
		t.Errorf("ForMode(paper) = %s, want paper-key", got)
	}
}
