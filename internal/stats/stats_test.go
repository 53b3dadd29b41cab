package stats

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/opendq/internal/mac"
)

func fsaRecord(state mac.DataState, addr uint16) *mac.FSARecord {
	return &mac.FSARecord{Time: time.Now(), DataState: state, DataAddress: addr}
}

func dqRecord(arp [3]mac.ARPSlot, data mac.DataState, addr, crq, dtq uint16) *mac.DQRecord {
	return &mac.DQRecord{Time: time.Now(), ARP: arp, DataState: data, DataAddress: addr, CRQ: crq, DTQ: dtq}
}

func TestNew(t *testing.T) {
	a, err := New(mac.VariantFSA)
	require.NoError(t, err)
	assert.Equal(t, mac.VariantFSA, a.Variant())

	a, err = New(mac.VariantDQ)
	require.NoError(t, err)
	assert.Equal(t, mac.VariantDQ, a.Variant())

	_, err = New("TDMA")
	assert.ErrorIs(t, err, mac.ErrUnknownVariant)
}

func TestFSA_Counts(t *testing.T) {
	a := NewFSA()

	require.NoError(t, a.Process(fsaRecord(mac.DataSuccess, 16)))
	require.NoError(t, a.Process(fsaRecord(mac.DataSuccess, 16)))
	require.NoError(t, a.Process(fsaRecord(mac.DataError, 0)))

	s := a.Snapshot()
	assert.Equal(t, map[string]uint64{"16": 2}, s.SuccessData)
	assert.Equal(t, uint64(1), s.ErrorData)
	assert.Equal(t, uint64(0), s.EmptyData)
	assert.Equal(t, uint64(3), s.Records)

	a.Reset()
	s = a.Snapshot()
	assert.Empty(t, s.SuccessData)
	assert.Zero(t, s.ErrorData)
	assert.Zero(t, s.EmptyData)
	assert.Zero(t, s.Records)
}

func TestFSA_DistinctAddresses(t *testing.T) {
	a := NewFSA()

	require.NoError(t, a.Process(fsaRecord(mac.DataSuccess, 16)))
	require.NoError(t, a.Process(fsaRecord(mac.DataSuccess, 17)))

	s := a.Snapshot()
	assert.Equal(t, map[string]uint64{"16": 1, "17": 1}, s.SuccessData)
	assert.Zero(t, s.ErrorData)
	assert.Zero(t, s.EmptyData)

	a.Reset()
	s = a.Snapshot()
	assert.Empty(t, s.SuccessData)
	assert.Zero(t, s.ErrorData)
	assert.Zero(t, s.EmptyData)
}

func TestFSA_UndefinedChangesNoCounter(t *testing.T) {
	a := NewFSA()
	require.NoError(t, a.Process(fsaRecord(mac.DataUndefined, 3)))

	s := a.Snapshot()
	assert.Empty(t, s.SuccessData)
	assert.Zero(t, s.ErrorData)
	assert.Zero(t, s.EmptyData)
	assert.Equal(t, uint64(1), s.Records)
}

func TestFSA_VariantMismatch(t *testing.T) {
	a := NewFSA()
	err := a.Process(dqRecord([3]mac.ARPSlot{}, mac.DataEmpty, 0, 0, 0))
	assert.ErrorIs(t, err, ErrVariantMismatch)
	assert.Zero(t, a.Snapshot().Records)
}

func TestDQ_ThreeDistinctRandoms(t *testing.T) {
	a := NewDQ()
	arp := [3]mac.ARPSlot{
		{State: mac.ARPSuccess, Random: 11},
		{State: mac.ARPSuccess, Random: 22},
		{State: mac.ARPSuccess, Random: 33},
	}
	require.NoError(t, a.Process(dqRecord(arp, mac.DataEmpty, 0, 1, 2)))

	s := a.Snapshot()
	assert.Equal(t, map[string]uint64{"11": 1, "22": 1, "33": 1}, s.SuccessARP)
	assert.Equal(t, uint64(1), s.EmptyData)
	assert.Equal(t, []uint16{1}, s.CRQ)
	assert.Equal(t, []uint16{2}, s.DTQ)
}

func TestDQ_Counts(t *testing.T) {
	a := NewDQ()
	frames := []*mac.DQRecord{
		dqRecord([3]mac.ARPSlot{
			{State: mac.ARPSuccess, Random: 5},
			{State: mac.ARPCollision},
			{State: mac.ARPEmpty},
		}, mac.DataSuccess, 7, 3, 1),
		dqRecord([3]mac.ARPSlot{
			{State: mac.ARPSuccess, Random: 5},
			{State: mac.ARPUndefined},
			{State: mac.ARPCollision},
		}, mac.DataError, 0, 2, 0),
	}
	for _, f := range frames {
		require.NoError(t, a.Process(f))
	}

	s := a.Snapshot()
	assert.Equal(t, map[string]uint64{"5": 2}, s.SuccessARP)
	assert.Equal(t, uint64(2), s.ErrorARP)
	assert.Equal(t, uint64(1), s.EmptyARP)
	assert.Equal(t, map[string]uint64{"7": 1}, s.SuccessData)
	assert.Equal(t, uint64(1), s.ErrorData)
	assert.Equal(t, []uint16{3, 2}, s.CRQ)
	assert.Equal(t, []uint16{1, 0}, s.DTQ)

	totals := s.Totals()
	assert.Equal(t, uint64(2), totals.SuccessARP)
	assert.Equal(t, uint64(1), totals.SuccessData)
	assert.Equal(t, 1, totals.Nodes)

	a.Reset()
	s = a.Snapshot()
	assert.Empty(t, s.SuccessARP)
	assert.Empty(t, s.SuccessData)
	assert.Zero(t, s.ErrorARP)
	assert.Zero(t, s.EmptyARP)
	assert.Zero(t, s.ErrorData)
	assert.Zero(t, s.EmptyData)
	assert.Empty(t, s.CRQ)
	assert.Empty(t, s.DTQ)
}

func TestDQ_VariantMismatch(t *testing.T) {
	err := NewDQ().Process(fsaRecord(mac.DataSuccess, 1))
	assert.ErrorIs(t, err, ErrVariantMismatch)
}

func TestSnapshot_IsDetached(t *testing.T) {
	a := NewDQ()
	require.NoError(t, a.Process(dqRecord([3]mac.ARPSlot{{State: mac.ARPSuccess, Random: 1}}, mac.DataSuccess, 1, 1, 1)))

	s := a.Snapshot()
	s.SuccessData["1"] = 100
	s.SuccessARP["1"] = 100
	s.CRQ[0] = 100

	fresh := a.Snapshot()
	assert.Equal(t, uint64(1), fresh.SuccessData["1"])
	assert.Equal(t, uint64(1), fresh.SuccessARP["1"])
	assert.Equal(t, uint16(1), fresh.CRQ[0])
}

func TestSnapshot_Throughput(t *testing.T) {
	a := NewFSA()
	assert.Zero(t, a.Snapshot().DataThroughput())

	a.Process(fsaRecord(mac.DataSuccess, 1))
	a.Process(fsaRecord(mac.DataEmpty, 0))
	a.Process(fsaRecord(mac.DataError, 0))
	a.Process(fsaRecord(mac.DataSuccess, 2))
	assert.InDelta(t, 0.5, a.Snapshot().DataThroughput(), 1e-9)
}

func TestSnapshot_JSON(t *testing.T) {
	a := NewFSA()
	a.Process(fsaRecord(mac.DataSuccess, 16))

	data, err := json.Marshal(a.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"success_data_packets":{"16":1}`)
	assert.NotContains(t, string(data), "success_arp_packets")
	assert.NotContains(t, string(data), "crq_global")
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]uint64{"10": 1, "2": 1, "1": 1, "abc": 1})
	assert.Equal(t, []string{"1", "2", "10", "abc"}, keys)
}

func TestConcurrentProcess(t *testing.T) {
	a := NewFSA()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func(addr uint16) {
			defer wg.Done()
			for range 250 {
				a.Process(fsaRecord(mac.DataSuccess, addr))
				_ = a.Snapshot()
			}
		}(uint16(w))
	}
	wg.Wait()

	s := a.Snapshot()
	assert.Equal(t, uint64(1000), s.Totals().SuccessData)
	assert.Len(t, s.SuccessData, 4)
}
