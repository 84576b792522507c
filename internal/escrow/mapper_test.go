package escrow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowhub/internal/units"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func testMapper() Mapper {
	return Mapper{Units: units.MustNew(12), Now: func() time.Time { return fixedNow }}
}

func TestMapFullEscrow(t *testing.T) {
	raw, err := DecodeRawEscrow([]byte(`{
		"creator": "0xC0FFEE",
		"counterparty": "0xBEEF",
		"counterpartyType": "worker",
		"title": "Website",
		"description": "Landing page",
		"amount": 10500000000000,
		"status": 1,
		"createdAt": 1699999999000,
		"milestones": [
			{"id": "m1", "description": "Design", "amount": 500000000000, "status": "InProgress", "deadline": 1700600000000}
		]
	}`))
	require.NoError(t, err)

	e := testMapper().Map(raw, "7")
	assert.Equal(t, "7", e.ID)
	assert.Equal(t, "0xC0FFEE", e.Creator)
	assert.Equal(t, "0xBEEF", e.CounterpartyAddress)
	assert.Equal(t, "10.5", e.TotalAmount)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, int64(1699999999000), e.CreatedAt)
	require.Len(t, e.Milestones, 1)
	assert.Equal(t, Milestone{ID: "m1", Description: "Design", Amount: "0.5", Status: MilestoneInProgress, Deadline: 1700600000000}, e.Milestones[0])
	assert.False(t, e.Degraded())
}

func TestMapMissingStatusAndCreatedAt(t *testing.T) {
	raw, err := DecodeRawEscrow([]byte(`{"creator":"a","counterparty":"b","counterpartyType":"client","title":"t","description":"d","amount":1,"milestones":[]}`))
	require.NoError(t, err)

	e := testMapper().Map(raw, "1")
	assert.Equal(t, StatusActive, e.Status)
	assert.Equal(t, fixedNow.UnixMilli(), e.CreatedAt)
	assert.ElementsMatch(t, []string{"status", "createdAt"}, e.DegradedFields)
}

func TestMapEmptyRawDefaultsEverything(t *testing.T) {
	e := testMapper().Map(nil, "3")
	assert.Equal(t, "3", e.ID)
	assert.Equal(t, "", e.Creator)
	assert.Equal(t, "", e.CounterpartyAddress)
	assert.Equal(t, "0", e.TotalAmount)
	assert.Equal(t, StatusActive, e.Status)
	assert.NotNil(t, e.Milestones)
	assert.Contains(t, e.DegradedFields, "totalAmount")
	assert.Contains(t, e.DegradedFields, "milestones")
}

func TestMapLegacyLayout(t *testing.T) {
	raw, err := DecodeRawEscrow([]byte(`{"client":"0xA","provider":"0xB","totalAmount":2000000000000,"status":{"Cancelled":null},"createdAt":5}`))
	require.NoError(t, err)

	e := testMapper().Map(raw, "9")
	assert.Equal(t, "0xA", e.Creator)
	assert.Equal(t, "0xB", e.CounterpartyAddress)
	assert.Equal(t, "2", e.TotalAmount)
	assert.Equal(t, StatusCancelled, e.Status)
}

func TestMapMilestoneDefaults(t *testing.T) {
	raw, err := DecodeRawEscrow([]byte(`{"milestones":[{"status":99}]}`))
	require.NoError(t, err)

	e := testMapper().Map(raw, "4")
	require.Len(t, e.Milestones, 1)
	ms := e.Milestones[0]
	assert.Equal(t, "milestone-1-4", ms.ID)
	assert.Equal(t, "0", ms.Amount)
	assert.Equal(t, MilestonePending, ms.Status)
	assert.Contains(t, e.DegradedFields, "milestones[0].status")
	assert.Contains(t, e.DegradedFields, "milestones[0].id")
}

func TestMapUnknownStatusDegrades(t *testing.T) {
	for _, status := range []string{`"Exploded"`, `42`, `{"A":1,"B":2}`, `true`} {
		raw, err := DecodeRawEscrow([]byte(fmt.Sprintf(`{"status":%s}`, status)))
		require.NoError(t, err)
		e := testMapper().Map(raw, "1")
		assert.Equal(t, StatusActive, e.Status, status)
		assert.Contains(t, e.DegradedFields, "status", status)
	}
}

func TestMapMistypedFieldsDegradeIndividually(t *testing.T) {
	raw, err := DecodeRawEscrow([]byte(`{
		"creator": "0xaa",
		"counterparty": "0xbb",
		"counterpartyType": "client",
		"title": 42,
		"description": "d",
		"amount": {"value": 1},
		"status": 0,
		"createdAt": "yesterday",
		"milestones": [
			{"id": "m1", "description": "x", "amount": "500000000000", "status": 0, "deadline": "soon"},
			"not-a-milestone"
		]
	}`))
	require.NoError(t, err)

	e := testMapper().Map(raw, "5")
	assert.Equal(t, "0xaa", e.Creator)
	assert.Equal(t, "", e.Title)
	assert.Equal(t, "0", e.TotalAmount)
	assert.Equal(t, fixedNow.UnixMilli(), e.CreatedAt)
	assert.Equal(t, StatusActive, e.Status)
	require.Len(t, e.Milestones, 2)
	assert.Equal(t, "0.5", e.Milestones[0].Amount)
	assert.Equal(t, int64(0), e.Milestones[0].Deadline)
	assert.Equal(t, "milestone-2-5", e.Milestones[1].ID)
	assert.ElementsMatch(t, []string{
		"title",
		"totalAmount",
		"createdAt",
		"milestones[0].deadline",
		"milestones[1].id",
		"milestones[1].description",
		"milestones[1].amount",
		"milestones[1].status",
		"milestones[1].deadline",
	}, e.DegradedFields)
}

func TestMapNumericStrings(t *testing.T) {
	raw, err := DecodeRawEscrow([]byte(`{
		"creator": "0xaa",
		"counterparty": "0xbb",
		"counterpartyType": "worker",
		"title": "t",
		"description": "d",
		"amount": "1000000000000000",
		"status": "2",
		"createdAt": "1699999999000",
		"milestones": [
			{"id": "m1", "description": "x", "amount": "0x746a528800", "status": "Completed", "deadline": "1700600000000"}
		]
	}`))
	require.NoError(t, err)

	e := testMapper().Map(raw, "6")
	assert.Equal(t, "1000", e.TotalAmount)
	assert.Equal(t, StatusDisputed, e.Status)
	assert.Equal(t, int64(1699999999000), e.CreatedAt)
	require.Len(t, e.Milestones, 1)
	assert.Equal(t, "0.5", e.Milestones[0].Amount)
	assert.Equal(t, int64(1700600000000), e.Milestones[0].Deadline)
	assert.False(t, e.Degraded(), e.DegradedFields)
}

func TestMapRejectsNegativeAndFractionalAmounts(t *testing.T) {
	for _, amount := range []string{`-5`, `"-5"`, `1.5`, `"1e12"`, `""`} {
		raw, err := DecodeRawEscrow([]byte(fmt.Sprintf(`{"amount":%s}`, amount)))
		require.NoError(t, err, amount)
		e := testMapper().Map(raw, "1")
		assert.Equal(t, "0", e.TotalAmount, amount)
		assert.Contains(t, e.DegradedFields, "totalAmount", amount)
	}
}

func TestDecodeRawEscrowNull(t *testing.T) {
	raw, err := DecodeRawEscrow([]byte("null"))
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = DecodeRawEscrow([]byte("{"))
	require.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("list: %w", E(KindQueryFailed, "getEscrow", fmt.Errorf("dial: %w", inner)))

	assert.Equal(t, KindQueryFailed, KindOf(err))
	assert.True(t, IsKind(err, KindQueryFailed))
	assert.False(t, IsKind(nil, KindQueryFailed))
	assert.ErrorIs(t, err, inner)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "connection refused", e.Cause())
	assert.Equal(t, "getEscrow: dial: connection refused", e.Error())
	assert.Equal(t, "QueryFailed", e.Kind.String())
}
