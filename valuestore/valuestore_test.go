package valuestore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/metricflow/aggregate"
	"github.com/c360/metricflow/errors"
	"github.com/c360/metricflow/executor"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "metricflow.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestExecutionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	exec := executor.NewExecution("pipe-1", 2, executor.PipelineActivities, executor.ActionCreate, "/usa/co", "tester")
	exec.StatusMessage = "queued"
	require.NoError(t, db.SaveExecution(ctx, exec))

	got, err := db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, executor.StatusWaiting, got.Status)
	assert.Equal(t, exec.GroupContextID, got.GroupContextID)
	assert.Equal(t, 2, got.PipelineVersion)

	// Saving again updates in place
	exec.Status = executor.StatusInProgress
	exec.UpdatedAt = time.Now().UTC()
	require.NoError(t, db.SaveExecution(ctx, exec))

	got, err = db.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusInProgress, got.Status)
}

func TestGetExecutionNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetExecution(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExecutionNotFound))
}

func TestListExecutionsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exec := executor.NewExecution("pipe-1", 1, executor.PipelineData, executor.ActionCreate, "/", "tester")
		exec.CreatedAt = time.Date(2024, 3, 1+i, 0, 0, 0, 0, time.UTC)
		require.NoError(t, db.SaveExecution(ctx, exec))
	}
	other := executor.NewExecution("pipe-2", 1, executor.PipelineData, executor.ActionCreate, "/", "tester")
	require.NoError(t, db.SaveExecution(ctx, other))

	list, err := db.ListExecutions(ctx, "pipe-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))
	assert.True(t, list[1].CreatedAt.After(list[2].CreatedAt))
}

func TestResolveMetricIDStable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	id1, err := db.ResolveMetricID(ctx, "ghg:scope1", "/usa", date, aggregate.UnitMonth, aggregate.AggSum)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same key resolves to the same id
	id2, err := db.ResolveMetricID(ctx, "ghg:scope1", "/usa", date, aggregate.UnitMonth, aggregate.AggSum)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Different group is a different metric
	id3, err := db.ResolveMetricID(ctx, "ghg:scope1", "/usa/co", date, aggregate.UnitMonth, aggregate.AggSum)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func metricValue(metricID string, createdAt time.Time, group, sub float64) aggregate.Value {
	return aggregate.Value{
		MetricID:       metricID,
		Name:           "ghg:scope1",
		GroupID:        "/usa",
		Date:           time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		TimeUnit:       aggregate.UnitMonth,
		ExecutionID:    "exec-1",
		PipelineID:     "pipe-1",
		CreatedAt:      createdAt,
		GroupValue:     group,
		SubGroupsValue: sub,
	}
}

func TestAppendValueProjectsLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.AppendValue(ctx, metricValue("m-1", t0, 10, 5)))

	latest, err := db.LatestMetricValue(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, latest.GroupValue)
	assert.Equal(t, 5.0, latest.SubGroupsValue)

	// A newer pass replaces the projection
	require.NoError(t, db.AppendValue(ctx, metricValue("m-1", t0.Add(time.Hour), 12, 6)))
	latest, err = db.LatestMetricValue(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, latest.GroupValue)

	// History keeps both rows
	history, err := db.MetricValueHistory(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAppendValueOutOfOrderDoesNotRegress(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.AppendValue(ctx, metricValue("m-1", t0, 12, 6)))

	// An older row arrives late: appended to history, latest unchanged
	require.NoError(t, db.AppendValue(ctx, metricValue("m-1", t0.Add(-time.Hour), 3, 1)))

	latest, err := db.LatestMetricValue(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, latest.GroupValue)
	assert.True(t, latest.CreatedAt.Equal(t0))

	history, err := db.MetricValueHistory(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAppendValueEqualCreatedAtReplaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.AppendValue(ctx, metricValue("m-1", t0, 10, 5)))
	require.NoError(t, db.AppendValue(ctx, metricValue("m-1", t0, 11, 5)))

	latest, err := db.LatestMetricValue(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 11.0, latest.GroupValue)
}

func activityValue(entity string, obsDate, createdAt time.Time, value float64) ActivityValue {
	return ActivityValue{
		EntityID:      entity,
		AttributeName: "ghg:scope1",
		GroupID:       "/usa/co/denver",
		ObsDate:       obsDate,
		Value:         value,
		ExecutionID:   "exec-1",
		PipelineID:    "pipe-1",
		CreatedAt:     createdAt,
	}
}

func TestAppendActivityValueErrorRowNeverLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	obs := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	t0 := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.AppendActivityValue(ctx, activityValue("e-1", obs, t0, 100)))

	bad := activityValue("e-1", obs, t0.Add(time.Hour), 0)
	bad.IsError = true
	bad.ErrorMessage = "row 3: bad number"
	require.NoError(t, db.AppendActivityValue(ctx, bad))

	// The error row is newer but the projection still holds the last
	// good value
	latest, err := db.LatestActivityValue(ctx, "e-1", "ghg:scope1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, latest.Value)
}

func TestAppendActivityValueKeyedPerAttribute(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	obs := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	t0 := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

	a := activityValue("e-1", obs, t0, 100)
	b := activityValue("e-1", obs, t0, 7)
	b.AttributeName = "ghg:scope2"
	require.NoError(t, db.AppendActivityValue(ctx, a))
	require.NoError(t, db.AppendActivityValue(ctx, b))

	got, err := db.LatestActivityValue(ctx, "e-1", "ghg:scope2")
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.Value)
}

func TestGroupContribution(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

	inBucket := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	outOfBucket := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC) // first instant of next bucket

	for i, v := range []float64{10, 20, 30} {
		av := activityValue(fmt.Sprintf("e-%d", i), inBucket, t0, v)
		require.NoError(t, db.AppendActivityValue(ctx, av))
	}
	require.NoError(t, db.AppendActivityValue(ctx, activityValue("e-out", outOfBucket, t0, 999)))

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		at   aggregate.AggregationType
		want float64
	}{
		{aggregate.AggSum, 60},
		{aggregate.AggMin, 10},
		{aggregate.AggMax, 30},
		{aggregate.AggCount, 3},
		{aggregate.AggMean, 20},
	}
	for _, tc := range cases {
		got, ok, err := db.GroupContribution(ctx, "ghg:scope1", "/usa/co/denver", start, end, tc.at)
		require.NoError(t, err, tc.at)
		require.True(t, ok, tc.at)
		assert.Equal(t, tc.want, got, tc.at)
	}
}

func TestGroupContributionEmptyBucket(t *testing.T) {
	db := openTestDB(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	_, ok, err := db.GroupContribution(context.Background(), "ghg:scope1", "/nowhere", start, end, aggregate.AggSum)
	require.NoError(t, err)
	assert.False(t, ok)
}

func bulkCSV(rows ...string) string {
	header := "metricId,groupId,date,timeUnit,name,executionId,pipelineId,createdAt,groupValue,subGroupsValue,isLatest"
	return header + "\n" + strings.Join(rows, "\n") + "\n"
}

func TestLoadMetricsCSV(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	csvDoc := bulkCSV(
		"m-1,/usa,2024-03-01T00:00:00Z,month,ghg:scope1,exec-1,pipe-1,2024-03-20T10:00:00Z,10,5,false",
		"m-1,/usa,2024-03-01T00:00:00Z,month,ghg:scope1,exec-2,pipe-1,2024-03-21T10:00:00Z,12,6,true",
		"m-2,/usa/co,2024-03-01T00:00:00Z,month,ghg:scope1,exec-2,pipe-1,2024-03-21T10:00:00Z,4,0,true",
	)

	n, err := db.LoadMetricsCSV(ctx, strings.NewReader(csvDoc))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Both versioned rows landed for m-1
	history, err := db.MetricValueHistory(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Only the flagged row became latest
	latest, err := db.LatestMetricValue(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 12.0, latest.GroupValue)
	assert.Equal(t, "exec-2", latest.ExecutionID)

	latest, err = db.LatestMetricValue(ctx, "m-2")
	require.NoError(t, err)
	assert.Equal(t, 4.0, latest.GroupValue)
}

func TestLoadMetricsCSVDoesNotRegressLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 22, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.AppendValue(ctx, metricValue("m-1", t0, 50, 25)))

	// Bulk row is flagged latest but is older than the existing one
	csvDoc := bulkCSV("m-1,/usa,2024-03-01T00:00:00Z,month,ghg:scope1,exec-0,pipe-1,2024-03-01T10:00:00Z,1,0,true")
	_, err := db.LoadMetricsCSV(ctx, strings.NewReader(csvDoc))
	require.NoError(t, err)

	latest, err := db.LatestMetricValue(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, latest.GroupValue)
}

func TestLoadMetricsCSVRejectsWrongHeader(t *testing.T) {
	db := openTestDB(t)

	bad := "groupId,metricId,date,timeUnit,name,executionId,pipelineId,createdAt,groupValue,subGroupsValue,isLatest\n"
	_, err := db.LoadMetricsCSV(context.Background(), strings.NewReader(bad))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadMetricsCSVRejectsBadRow(t *testing.T) {
	db := openTestDB(t)

	csvDoc := bulkCSV("m-1,/usa,not-a-date,month,ghg:scope1,exec-1,pipe-1,2024-03-20T10:00:00Z,10,5,false")
	_, err := db.LoadMetricsCSV(context.Background(), strings.NewReader(csvDoc))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Failed loads leave no partial rows behind
	history, err := db.MetricValueHistory(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}
