package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"escrowhub/internal/coordinator"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestUnitsCommands(t *testing.T) {
	out, err := run(t, "units", "to", "10.5")
	require.NoError(t, err)
	require.Equal(t, "10500000000000\n", out)

	out, err = run(t, "--network", "polkadot-asset-hub", "units", "from", "12345678901")
	require.NoError(t, err)
	require.Equal(t, "1.2345678901\n", out)

	_, err = run(t, "units", "to", "abc")
	require.Error(t, err)
}

func TestCreateOnFakeChain(t *testing.T) {
	out, err := run(t, "--fake", "--from", "0x00000000000000000000000000000000000000a1",
		"create", "--counterparty", "0x00000000000000000000000000000000000000b2",
		"--amount", "10", "-m", "4:design", "-m", "6:delivery")
	require.NoError(t, err)

	var res coordinator.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "1", res.EscrowID)
	require.NotEmpty(t, res.TxHash)
}

func TestCreateRejectsOverfundedMilestones(t *testing.T) {
	_, err := run(t, "--fake", "--from", "0x00000000000000000000000000000000000000a1",
		"create", "--counterparty", "0x00000000000000000000000000000000000000b2",
		"--amount", "5", "-m", "4:a", "-m", "2:b")
	require.ErrorContains(t, err, "exceeds escrow amount")
}

func TestCommandsRequireCaller(t *testing.T) {
	_, err := run(t, "--fake", "list")
	require.ErrorContains(t, err, "--from is required")
}

func TestParseMilestones(t *testing.T) {
	specs, err := parseMilestones([]string{"1.5:first", " 2 :second:part"})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, "2", specs[1].Amount)
	require.Equal(t, "second:part", specs[1].Description)

	_, err = parseMilestones([]string{":nothing"})
	require.Error(t, err)
}
