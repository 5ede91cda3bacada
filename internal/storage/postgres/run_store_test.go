package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-harvester/internal/harvest"
)

func TestRecordRunUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "harvest_runs")
	require.NoError(t, err)

	finished := time.Unix(1700000000, 0).UTC()
	summary := harvest.RunSummary{
		RunID:            "0190c1e2-uuid-v7",
		BatchNumber:      2,
		TotalRequested:   6,
		Processed:        3,
		Remaining:        3,
		Successful:       2,
		Blocked:          true,
		ReportLocation:   "gs://bucket/reports/report_batch002_3items_20231114T221320Z.json",
		ManifestLocation: "gs://bucket/manifests/resume_batch002_3items_20231114T221320Z.json",
		FinishedAt:       finished,
	}
	manifest := summary.ManifestLocation

	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs(
			summary.RunID,
			summary.BatchNumber,
			summary.TotalRequested,
			summary.Processed,
			summary.Remaining,
			summary.Successful,
			summary.Blocked,
			summary.Interrupted,
			summary.ReportLocation,
			&manifest,
			summary.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRun(context.Background(), summary))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunDrainedRunHasNullManifest(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	summary := harvest.RunSummary{RunID: "run-1", ReportLocation: "file:///tmp/r.json"}
	mock.ExpectExec("INSERT INTO harvest_runs").
		WithArgs("run-1", 0, 0, 0, 0, 0, false, false, "file:///tmp/r.json", (*string)(nil), time.Time{}).
		WillReturnError(errors.New("relation does not exist"))

	err = store.RecordRun(context.Background(), summary)
	require.ErrorContains(t, err, "insert run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRunRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "harvest_runs")
	require.NoError(t, err)
	require.Error(t, store.RecordRun(context.Background(), harvest.RunSummary{}))
}

func TestLatestManifest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(pgxmock.PgxPoolIface)
		want    string
		wantErr error
	}{
		{
			name: "pending manifest",
			prepare: func(m pgxmock.PgxPoolIface) {
				loc := "gs://bucket/manifests/m.json"
				m.ExpectQuery("SELECT manifest_location").
					WillReturnRows(pgxmock.NewRows([]string{"manifest_location"}).AddRow(&loc))
			},
			want: "gs://bucket/manifests/m.json",
		},
		{
			name: "last run drained",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery("SELECT manifest_location").
					WillReturnRows(pgxmock.NewRows([]string{"manifest_location"}).AddRow((*string)(nil)))
			},
			wantErr: ErrNoPendingManifest,
		},
		{
			name: "no runs",
			prepare: func(m pgxmock.PgxPoolIface) {
				m.ExpectQuery("SELECT manifest_location").WillReturnError(pgx.ErrNoRows)
			},
			wantErr: ErrNoPendingManifest,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()
			tt.prepare(mock)

			store, err := NewRunStoreWithPool(mock, "harvest_runs")
			require.NoError(t, err)

			got, err := store.LatestManifest(context.Background())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestNewRunStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunStore(context.Background(), RunStoreConfig{})
	require.Error(t, err)
	_, err = NewRunStoreWithPool(nil, "runs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x")
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())

	var nilStore *RunStore
	require.Error(t, nilStore.Ping(context.Background()))
}
