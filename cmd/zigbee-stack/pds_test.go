package main

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"zigbee-go-stack/internal/pds"
	"zigbee-go-stack/internal/scenario"
)

func TestDumpStore(t *testing.T) {
	store, err := pds.NewBoltStore(filepath.Join(t.TempDir(), "pds.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, pds.SaveJSON(store, pds.MemNetworkParams, map[string]any{"pan_id": 6754}))
	require.NoError(t, store.Save(pds.MemNwkOutCounter, []byte{0xDE, 0xAD}))

	var out bytes.Buffer
	require.NoError(t, dumpStore(&out, store))
	got := out.String()

	require.Contains(t, got, "# 0x0001 network_params")
	require.Contains(t, got, `"pan_id": 6754`)
	require.Contains(t, got, "# 0x0003 nwk_out_counter (2 bytes)")
	require.Contains(t, got, "de ad")
	if strings.Index(got, "network_params") > strings.Index(got, "nwk_out_counter") {
		t.Error("records not sorted by MemID")
	}
}

func TestDumpStoreEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, dumpStore(&out, pds.NewMemStore()))
	require.Equal(t, "no records\n", out.String())
}

type corruptStore struct{ *pds.MemStore }

func (corruptStore) List() ([]pds.MemID, error) { return []pds.MemID{pds.MemRoutingTable}, nil }

func (corruptStore) Load(id pds.MemID) ([]byte, error) {
	return nil, fmt.Errorf("mem %s: crc mismatch: %w", id, pds.ErrCorrupt)
}

func TestDumpStoreCorrupt(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, dumpStore(&out, corruptStore{pds.NewMemStore()}))
	require.Contains(t, out.String(), "routing_table: corrupt")
}

func TestPrintSimResult(t *testing.T) {
	res := &scenario.RunResult{OK: true, Logs: []string{"formed"}, Nodes: 2, SimTime: "15s", Duration: "3ms"}

	var out bytes.Buffer
	require.NoError(t, printSimResult(&out, res, false))
	require.Equal(t, "formed\nOK: 2 node(s), simulated 15s in 3ms\n", out.String())

	out.Reset()
	require.NoError(t, printSimResult(&out, res, true))
	require.Contains(t, out.String(), `"sim_time": "15s"`)
}
