package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/S0nnyyy/SirenaVysociny/syncer"
)

type MockReader struct {
	mock.Mock
}

func (m *MockReader) Cursor(ctx context.Context) (time.Time, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Time), args.Bool(1), args.Error(2)
}

func (m *MockReader) FindByReportedAt(ctx context.Context, t time.Time) (*syncer.Intervention, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*syncer.Intervention), args.Error(1)
}

func (m *MockReader) Get(ctx context.Context, id uint) (*syncer.Intervention, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*syncer.Intervention), args.Error(1)
}

func (m *MockReader) Page(ctx context.Context, f syncer.Filter, limit, offset int) ([]syncer.Intervention, error) {
	args := m.Called(ctx, f, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]syncer.Intervention), args.Error(1)
}

func (m *MockReader) NewerThan(ctx context.Context, t time.Time) (*syncer.Intervention, error) {
	args := m.Called(ctx, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*syncer.Intervention), args.Error(1)
}

func (m *MockReader) Count(ctx context.Context, f syncer.Filter) (int64, error) {
	args := m.Called(ctx, f)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockReader) Stats(ctx context.Context, f syncer.Filter) (*syncer.Stats, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*syncer.Stats), args.Error(1)
}

func (m *MockReader) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fakeStatus struct {
	state   syncer.RunnerState
	last    *syncer.Report
	changes *syncer.Report
	err     error
	runAt   time.Time
}

func (f *fakeStatus) State() syncer.RunnerState { return f.state }
func (f *fakeStatus) LastReport() *syncer.Report { return f.last }
func (f *fakeStatus) LatestChanges() *syncer.Report { return f.changes }
func (f *fakeStatus) LastError() error { return f.err }
func (f *fakeStatus) LastRunAt() time.Time { return f.runAt }

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func fixtureRecords() []syncer.Intervention {
	return []syncer.Intervention{
		{
			ID:               2,
			ReportedAt:       utc(2024, 3, 15, 13, 30),
			Status:           "Otevřená OS",
			EventType:        "Požár",
			EventSubtype:     "Nízké budovy",
			Region:           "Vysočina",
			District:         "Jihlava",
			MunicipalityArea: "Jihlava",
			Municipality:     "Jihlava",
			LocalityPart:     "Horní Kosov",
			Street:           "Brněnská",
			Road:             syncer.NotSpecified,
			MediaNote:        syncer.NotSpecified,
			CreatedAt:        utc(2024, 3, 15, 13, 31),
			UpdatedAt:        utc(2024, 3, 15, 13, 31),
		},
		{
			ID:               1,
			ReportedAt:       utc(2024, 3, 15, 13, 10),
			Status:           "Uzavřená",
			EventType:        "Technická pomoc",
			EventSubtype:     "Odstranění stromu",
			Region:           "Vysočina",
			District:         "Třebíč",
			MunicipalityArea: "Třebíč",
			Municipality:     "Třebíč",
			LocalityPart:     syncer.NotSpecified,
			Street:           syncer.NotSpecified,
			Road:             "II/360",
			MediaNote:        syncer.NotSpecified,
			CreatedAt:        utc(2024, 3, 15, 13, 11),
			UpdatedAt:        utc(2024, 3, 15, 13, 35),
		},
	}
}

func newTestServer(store syncer.Reader, status StatusSource, hub *Hub) http.Handler {
	return NewServer(Config{}, store, status, hub, syncer.NewMetrics().Handler(), nil).Handler()
}

func do(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListInterventions_Golden(t *testing.T) {
	store := new(MockReader)
	store.On("Page", mock.Anything, syncer.Filter{}, 2, 0).Return(fixtureRecords(), nil)
	store.On("Count", mock.Anything, syncer.Filter{}).Return(int64(5), nil)

	rec := do(t, newTestServer(store, nil, nil), "/api/interventions?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var pretty bytes.Buffer
	require.NoError(t, json.Indent(&pretty, rec.Body.Bytes(), "", "  "))
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "list_interventions", pretty.Bytes())
	store.AssertExpectations(t)
}

func TestListInterventions_ClampsPaging(t *testing.T) {
	store := new(MockReader)
	store.On("Page", mock.Anything, syncer.Filter{}, syncer.MaxPageSize, 0).Return([]syncer.Intervention{}, nil)
	store.On("Count", mock.Anything, syncer.Filter{}).Return(int64(0), nil)

	rec := do(t, newTestServer(store, nil, nil), "/api/interventions?limit=500&offset=-3")
	require.Equal(t, http.StatusOK, rec.Code)

	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, syncer.MaxPageSize, body.Limit)
	assert.Equal(t, 0, body.Offset)
	assert.NotNil(t, body.Interventions)
	store.AssertExpectations(t)
}

func TestListInterventions_DefaultLimit(t *testing.T) {
	store := new(MockReader)
	store.On("Page", mock.Anything, syncer.Filter{}, syncer.DefaultPageSize, 0).Return([]syncer.Intervention{}, nil)
	store.On("Count", mock.Anything, syncer.Filter{}).Return(int64(0), nil)

	rec := do(t, newTestServer(store, nil, nil), "/api/interventions")
	assert.Equal(t, http.StatusOK, rec.Code)
	store.AssertExpectations(t)
}

func TestListInterventions_BadInput(t *testing.T) {
	store := new(MockReader)
	h := newTestServer(store, nil, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/interventions?limit=abc").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/interventions?offset=1.5").Code)
	store.AssertNotCalled(t, "Page", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestListInterventions_StoreFailure(t *testing.T) {
	store := new(MockReader)
	store.On("Page", mock.Anything, syncer.Filter{}, syncer.DefaultPageSize, 0).Return(nil, errors.New("connection reset"))

	rec := do(t, newTestServer(store, nil, nil), "/api/interventions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unavailable")
}

func TestListInterventions_Filters(t *testing.T) {
	store := new(MockReader)
	want := syncer.Filter{
		States:     []string{syncer.StateActive},
		EventTypes: []string{"Požár", "Technická pomoc"},
		Districts:  []string{"Jihlava"},
	}
	store.On("Page", mock.Anything, want, syncer.DefaultPageSize, 0).Return(fixtureRecords()[:1], nil)
	store.On("Count", mock.Anything, want).Return(int64(1), nil)

	rec := do(t, newTestServer(store, nil, nil),
		"/api/interventions?state=ACTIVE&event_type=Po%C5%BE%C3%A1r,Technick%C3%A1%20pomoc&district=%20Jihlava%20&district=Jihlava")
	require.Equal(t, http.StatusOK, rec.Code)

	var body listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.Total)
	require.Len(t, body.Interventions, 1)
	assert.Equal(t, "Jihlava", body.Interventions[0].District)
	store.AssertExpectations(t)
}

func TestListInterventions_UnknownStateRejected(t *testing.T) {
	store := new(MockReader)
	rec := do(t, newTestServer(store, nil, nil), "/api/interventions?state=burning")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid filter")
	store.AssertNotCalled(t, "Page", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetIntervention(t *testing.T) {
	rec := fixtureRecords()[1]

	t.Run("found", func(t *testing.T) {
		store := new(MockReader)
		store.On("Get", mock.Anything, uint(1)).Return(&rec, nil)

		resp := do(t, newTestServer(store, nil, nil), "/api/interventions/1")
		require.Equal(t, http.StatusOK, resp.Code)
		var body InterventionView
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, uint(1), body.ID)
		assert.Equal(t, "15.03.2024 14:10", body.ReportedAt)
		assert.Equal(t, syncer.StateCompleted, body.State)
	})

	t.Run("missing", func(t *testing.T) {
		store := new(MockReader)
		store.On("Get", mock.Anything, uint(99)).Return(nil, nil)

		resp := do(t, newTestServer(store, nil, nil), "/api/interventions/99")
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		store := new(MockReader)
		h := newTestServer(store, nil, nil)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/interventions/abc").Code)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/interventions/0").Code)
		store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		store := new(MockReader)
		store.On("Get", mock.Anything, uint(1)).Return(nil, errors.New("connection reset"))

		resp := do(t, newTestServer(store, nil, nil), "/api/interventions/1")
		assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	})
}

func TestStatistics(t *testing.T) {
	store := new(MockReader)
	store.On("Stats", mock.Anything, syncer.Filter{Regions: []string{"Vysočina"}}).Return(&syncer.Stats{
		Total: 3,
		ByState: []syncer.Bucket{
			{Key: syncer.StateActive, Count: 2},
			{Key: syncer.StateCompleted, Count: 1},
			{Key: syncer.StateUnknown, Count: 0},
		},
		ByEventType: []syncer.Bucket{{Key: "Požár", Count: 2}, {Key: "Technická pomoc", Count: 1}},
		ByDistrict:  []syncer.Bucket{{Key: "Jihlava", Count: 3}},
	}, nil)

	rec := do(t, newTestServer(store, nil, nil), "/api/statistics?region=Vyso%C4%8Dina")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"total": 3,
		"by_state": [
			{"key": "active", "count": 2},
			{"key": "completed", "count": 1},
			{"key": "unknown", "count": 0}
		],
		"by_event_type": [
			{"key": "Požár", "count": 2},
			{"key": "Technická pomoc", "count": 1}
		],
		"by_district": [
			{"key": "Jihlava", "count": 3}
		]
	}`, rec.Body.String())
	store.AssertExpectations(t)

	assert.Equal(t, http.StatusBadRequest, do(t, newTestServer(new(MockReader), nil, nil), "/api/statistics?state=x").Code)
}

func TestNewer(t *testing.T) {
	since, err := syncer.ParseTimestamp("15.03.2024 14:15")
	require.NoError(t, err)
	latest := fixtureRecords()[0]

	t.Run("found", func(t *testing.T) {
		store := new(MockReader)
		store.On("NewerThan", mock.Anything, since).Return(&latest, nil)

		rec := do(t, newTestServer(store, nil, nil), "/api/interventions/newer?since=15.03.2024%2014:15")
		require.Equal(t, http.StatusOK, rec.Code)
		var body newerResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.True(t, body.Found)
		require.NotNil(t, body.Intervention)
		assert.Equal(t, "15.03.2024 14:30", body.Intervention.ReportedAt)
		assert.Equal(t, syncer.StateActive, body.Intervention.State)
	})

	t.Run("not found", func(t *testing.T) {
		store := new(MockReader)
		store.On("NewerThan", mock.Anything, since).Return(nil, nil)

		rec := do(t, newTestServer(store, nil, nil), "/api/interventions/newer?since=15.03.2024%2014:15")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"found":false}`, rec.Body.String())
	})

	t.Run("bad since", func(t *testing.T) {
		store := new(MockReader)
		h := newTestServer(store, nil, nil)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/interventions/newer").Code)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/interventions/newer?since=2024-03-15T14:15").Code)
		assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/interventions/newer?since=31.13.2024%2010:00").Code)
		store.AssertNotCalled(t, "NewerThan", mock.Anything, mock.Anything)
	})
}

func TestStatus(t *testing.T) {
	t.Run("online", func(t *testing.T) {
		store := new(MockReader)
		store.On("Ping", mock.Anything).Return(nil)
		store.On("Cursor", mock.Anything).Return(utc(2024, 3, 15, 13, 30), true, nil)
		store.On("Count", mock.Anything, syncer.Filter{}).Return(int64(42), nil)
		status := &fakeStatus{
			state: syncer.RunnerFetching,
			runAt: utc(2024, 3, 15, 13, 31),
			last:  &syncer.Report{SnapshotDigest: "00000000deadbeef"},
			err:   errors.New("fetch: timeout"),
		}

		rec := do(t, newTestServer(store, status, nil), "/api/status")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{
			"status": "online",
			"scheduler": "fetching",
			"cursor": "15.03.2024 14:30",
			"total": 42,
			"last_run": "2024-03-15T13:31:00Z",
			"last_error": "fetch: timeout",
			"last_digest": "00000000deadbeef"
		}`, rec.Body.String())
	})

	t.Run("offline", func(t *testing.T) {
		store := new(MockReader)
		store.On("Ping", mock.Anything).Return(errors.New("dial tcp: connection refused"))

		rec := do(t, newTestServer(store, nil, nil), "/api/status")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "offline", body.Status)
		store.AssertNotCalled(t, "Count", mock.Anything, mock.Anything)
	})
}

func TestLatestChanges(t *testing.T) {
	store := new(MockReader)
	status := &fakeStatus{}
	h := newTestServer(store, status, nil)

	rec := do(t, h, "/api/changes/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"found":false}`, rec.Body.String())

	cursor := utc(2024, 3, 15, 13, 30)
	status.changes = &syncer.Report{
		CycleID:       "cycle-1",
		CursorAfter:   &cursor,
		Inserted:      fixtureRecords()[:1],
		StatusChanges: []syncer.StatusChange{{ID: 1, ReportedAt: utc(2024, 3, 15, 13, 10), From: "Otevřená OS", To: "Uzavřená"}},
		NewCount:      1,
		ChangedCount:  1,
	}
	rec = do(t, h, "/api/changes/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Found  bool       `json:"found"`
		Report ReportView `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Found)
	assert.Equal(t, "cycle-1", body.Report.CycleID)
	assert.Equal(t, "15.03.2024 14:30", body.Report.CursorAfter)
	require.Len(t, body.Report.Inserted, 1)
	require.Len(t, body.Report.StatusChanges, 1)
	assert.Equal(t, syncer.StateCompleted, body.Report.StatusChanges[0].State)
}

func TestMetricsAndHealth(t *testing.T) {
	h := newTestServer(new(MockReader), nil, nil)

	rec := do(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sirena_interventions_inserted_total")

	rec = do(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestWebSocketFeed(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	srv := httptest.NewServer(newTestServer(new(MockReader), nil, hub))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() Message {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	assert.Equal(t, MessageTypeHello, read().Type)
	assert.Equal(t, 1, hub.ClientCount())

	// Empty reports are not broadcast.
	require.NoError(t, hub.Publish(ctx, &syncer.Report{CycleID: "empty"}))
	require.NoError(t, hub.Publish(ctx, &syncer.Report{
		CycleID:    "cycle-2",
		FinishedAt: utc(2024, 3, 15, 13, 31),
		Inserted:   fixtureRecords()[:1],
		NewCount:   1,
	}))

	msg := read()
	assert.Equal(t, MessageTypeReport, msg.Type)
	var rv ReportView
	require.NoError(t, json.Unmarshal(msg.Data, &rv))
	assert.Equal(t, "cycle-2", rv.CycleID)
	require.Len(t, rv.Inserted, 1)
	assert.Equal(t, "Požár", rv.Inserted[0].EventType)
}
