package app

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"escrowhub/internal/config"
	"escrowhub/internal/coordinator"
	"escrowhub/internal/logging"
	"escrowhub/internal/signer"
)

func fakeConfig() *config.AppConfig {
	cfg := config.Default()
	cfg.Chain.Fake = true
	cfg.Wallet.TestAccounts = []string{
		"0x00000000000000000000000000000000000000a1",
		"0x00000000000000000000000000000000000000b2",
	}
	return cfg
}

func TestBuildFakeStack(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, fakeConfig(), logging.Quiet(), WithIdempotency())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	require.NoError(t, a.RPCHealth(ctx))
	require.NotNil(t, a.Idempotency)
	alice := common.HexToAddress("0xa1")
	require.Equal(t, signer.OriginTest, a.Resolver.OriginOf(alice))

	p, err := a.Coordinator.CreateEscrow(ctx, alice, coordinator.CreateRequest{
		Counterparty: common.HexToAddress("0xb2").Hex(),
		Amount:       "1.25",
	})
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := p.Wait(waitCtx)
	require.NoError(t, err)
	require.Equal(t, "1", res.EscrowID)

	e, err := a.Coordinator.GetEscrow(ctx, alice, "1")
	require.NoError(t, err)
	require.Equal(t, "1.25", e.TotalAmount)
}

func TestBuildRejectsBadTestAccount(t *testing.T) {
	cfg := fakeConfig()
	cfg.Wallet.TestAccounts = []string{"alice"}
	_, err := Build(context.Background(), cfg, logging.Quiet())
	require.Error(t, err)
}

func TestBuildRejectsBadKey(t *testing.T) {
	cfg := fakeConfig()
	cfg.Wallet.PrivateKeys = []string{"0xnothex"}
	_, err := Build(context.Background(), cfg, logging.Quiet())
	require.Error(t, err)
}
