package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultMatchesScenarioConstants(t *testing.T) {
	c := Default()
	if c.EthereumConfirmations != 10 {
		t.Errorf("EthereumConfirmations = %d, want 10", c.EthereumConfirmations)
	}
	if c.MaxPendingBlockAge != 10*time.Second {
		t.Errorf("MaxPendingBlockAge = %v, want 10s", c.MaxPendingBlockAge)
	}
	if len(c.SupportedChunkSizes) == 0 {
		t.Error("SupportedChunkSizes must not be empty")
	}
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ZKSEQ_DATABASE_DSN", "postgres://example")
	t.Setenv("ZKSEQ_FEE_ACCOUNT_ID", "7")
	t.Setenv("ZKSEQ_ETHEREUM_CONFIRMATIONS", "3")
	t.Setenv("ZKSEQ_MAX_PENDING_BLOCK_AGE_MS", "500")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.DatabaseDSN != "postgres://example" {
		t.Errorf("DatabaseDSN = %q", c.DatabaseDSN)
	}
	if c.FeeAccountID != 7 {
		t.Errorf("FeeAccountID = %d, want 7", c.FeeAccountID)
	}
	if c.EthereumConfirmations != 3 {
		t.Errorf("EthereumConfirmations = %d, want 3", c.EthereumConfirmations)
	}
	if c.MaxPendingBlockAge != 500*time.Millisecond {
		t.Errorf("MaxPendingBlockAge = %v, want 500ms", c.MaxPendingBlockAge)
	}
}

func TestFromEnvRejectsMalformedInteger(t *testing.T) {
	t.Setenv("ZKSEQ_FEE_ACCOUNT_ID", "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for a malformed ZKSEQ_FEE_ACCOUNT_ID")
	}
}

func TestFromEnvLeavesUnsetKeysAtDefault(t *testing.T) {
	os.Unsetenv("ZKSEQ_ETHEREUM_CONFIRMATIONS")
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.EthereumConfirmations != Default().EthereumConfirmations {
		t.Errorf("EthereumConfirmations = %d, want default %d", c.EthereumConfirmations, Default().EthereumConfirmations)
	}
}
