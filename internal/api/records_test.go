package api

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ikolvi/Tracelet-sub001/internal/store"
	"github.com/Ikolvi/Tracelet-sub001/internal/units"
)

func decodeRecordPage(t *testing.T, body []byte) *store.QueryResult {
	t.Helper()
	var res store.QueryResult
	require.NoError(t, json.Unmarshal(body, &res), "body: %s", body)
	return &res
}

func TestListRecords(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{units: units.MPH})

	loc1 := insertLocation(t, h.store, 10, 100, testStart)
	loc2 := insertLocation(t, h.store, 20, 200, testStart.Add(time.Minute))
	geo := insertGeofenceEvent(t, h.store, "home", testStart.Add(2*time.Minute))

	rr := h.do(t, http.MethodGet, "/api/records", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	res := decodeRecordPage(t, rr.Body.Bytes())
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, 100, res.PageSize)
	require.Len(t, res.Data, 3)

	// Newest first.
	assert.Equal(t, []int64{geo, loc2, loc1}, []int64{res.Data[0].ID, res.Data[1].ID, res.Data[2].ID})
	assert.Equal(t, "home", res.Data[0].RegionID)
	assert.Equal(t, "enter", res.Data[0].Event)

	// Speeds come back in the configured units.
	assert.InDelta(t, units.ConvertSpeed(20, units.MPH), res.Data[1].Speed, 1e-6)
	assert.InDelta(t, units.ConvertSpeed(10, units.MPH), res.Data[2].Speed, 1e-6)
}

func TestListRecordsFilters(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{})

	loc1 := insertLocation(t, h.store, 10, 100, testStart)
	loc2 := insertLocation(t, h.store, 20, 200, testStart.Add(time.Minute))
	geo := insertGeofenceEvent(t, h.store, "home", testStart.Add(2*time.Minute))
	require.NoError(t, h.store.MarkSynced([]int64{loc1}, "batch-1"))

	cases := []struct {
		name  string
		query url.Values
		want  []int64
	}{
		{
			name:  "by type location",
			query: url.Values{"type": {store.TypeLocation}},
			want:  []int64{loc2, loc1},
		},
		{
			name:  "by type geofence",
			query: url.Values{"type": {store.TypeGeofence}},
			want:  []int64{geo},
		},
		{
			name:  "pending only",
			query: url.Values{"sync_status": {store.SyncPending}},
			want:  []int64{geo, loc2},
		},
		{
			name:  "synced only",
			query: url.Values{"sync_status": {store.SyncSynced}},
			want:  []int64{loc1},
		},
		{
			name:  "from is inclusive",
			query: url.Values{"from": {testStart.Add(time.Minute).Format(time.RFC3339)}},
			want:  []int64{geo, loc2},
		},
		{
			name:  "to is exclusive",
			query: url.Values{"to": {testStart.Add(time.Minute).Format(time.RFC3339)}},
			want:  []int64{loc1},
		},
		{
			name: "window",
			query: url.Values{
				"from": {testStart.Add(30 * time.Second).Format(time.RFC3339)},
				"to":   {testStart.Add(90 * time.Second).Format(time.RFC3339)},
			},
			want: []int64{loc2},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.do(t, http.MethodGet, "/api/records?"+tc.query.Encode(), nil)
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			res := decodeRecordPage(t, rr.Body.Bytes())
			got := make([]int64, len(res.Data))
			for i, rec := range res.Data {
				got[i] = rec.ID
			}
			assert.Equal(t, tc.want, got)
			assert.Equal(t, len(tc.want), res.Total)
		})
	}
}

func TestListRecordsPaging(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{})

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, insertLocation(t, h.store, 5, float64(i)*10, testStart.Add(time.Duration(i)*time.Minute)))
	}

	rr := h.do(t, http.MethodGet, "/api/records?page_size=2&page=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decodeRecordPage(t, rr.Body.Bytes())
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 2, res.Page)
	assert.Equal(t, 2, res.PageSize)
	require.Len(t, res.Data, 2)
	assert.Equal(t, ids[2], res.Data[0].ID)
	assert.Equal(t, ids[1], res.Data[1].ID)
}

func TestListRecordsRejectsBadParams(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{})

	for _, q := range []string{
		"from=yesterday",
		"to=2026-13-40",
		"type=radar",
		"sync_status=maybe",
		"page=0",
		"page=x",
		"page_size=-1",
	} {
		rr := h.do(t, http.MethodGet, "/api/records?"+q, nil)
		require.Equal(t, http.StatusBadRequest, rr.Code, q)
		assert.NotEmpty(t, decodeMap(t, rr)["error"], q)
	}
}

func TestDestroyRecords(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{})

	insertLocation(t, h.store, 5, 100, testStart)
	insertLocation(t, h.store, 6, 200, testStart.Add(time.Minute))

	rr := h.do(t, http.MethodDelete, "/api/records", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(2), decodeMap(t, rr)["destroyed"])

	rr = h.do(t, http.MethodGet, "/api/records", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decodeRecordPage(t, rr.Body.Bytes()).Total)

	rr = h.do(t, http.MethodPut, "/api/records", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestExportRecordsCSV(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{units: units.MPH})

	loc1 := insertLocation(t, h.store, 10, 100, testStart)
	loc2 := insertLocation(t, h.store, 20, 200, testStart.Add(time.Minute))

	q := url.Values{"filename": {"trip 01/final"}}
	rr := h.do(t, http.MethodGet, "/api/records/export?"+q.Encode(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=trip_01_final.csv", rr.Header().Get("Content-Disposition"))

	rows, err := csv.NewReader(strings.NewReader(rr.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	header := rows[0]
	require.Len(t, header, 16)
	assert.Equal(t, "id", header[0])
	assert.Equal(t, "speed_mph", header[7])
	assert.Equal(t, "recorded_at", header[13])

	// Newest first, speeds converted.
	assert.Equal(t, strconv.FormatInt(loc2, 10), rows[1][0])
	assert.Equal(t, strconv.FormatInt(loc1, 10), rows[2][0])
	speed, err := strconv.ParseFloat(rows[1][7], 64)
	require.NoError(t, err)
	assert.InDelta(t, units.ConvertSpeed(20, units.MPH), speed, 1e-6)
	assert.Equal(t, "2026-01-05T12:01:00Z", rows[1][13])
}

func TestExportRecordsPagesThroughStore(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{})

	for i := 0; i < 5; i++ {
		insertLocation(t, h.store, 5, float64(i)*10, testStart.Add(time.Duration(i)*time.Minute))
	}

	// A two-record page size forces three store queries.
	rr := h.do(t, http.MethodGet, "/api/records/export?page_size=2&filename=all", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rows, err := csv.NewReader(strings.NewReader(rr.Body.String())).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 6) // header + 5 records
}

func TestExportRecordsDefaultFilename(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{})

	insertLocation(t, h.store, 5, 100, testStart)

	rr := h.do(t, http.MethodGet, "/api/records/export", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	disp := rr.Header().Get("Content-Disposition")
	assert.True(t, strings.HasPrefix(disp, "attachment; filename=tracelet_records_"), disp)
	assert.True(t, strings.HasSuffix(disp, ".csv"), disp)
}

func TestExportRecordsErrors(t *testing.T) {
	t.Parallel()
	h := newServerHarness(t, harnessOptions{})

	rr := h.do(t, http.MethodPost, "/api/records/export", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/records/export?from=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeMap(t, rr)["error"], "invalid 'from' parameter")
}
