package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanRecords(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name, notes FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "notes"}).
			AddRow(int64(1), []byte("Acme"), nil).
			AddRow(int64(2), "Globex", "vip"))

	rows, err := db.QueryContext(context.Background(), "SELECT id, name, notes FROM customers")
	require.NoError(t, err)

	records, err := ScanRecords(rows)
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{"id": int64(1), "name": "Acme", "notes": nil},
		{"id": int64(2), "name": "Globex", "notes": "vip"},
	}, records)
}

func TestScanRecords_RowError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).RowError(0, errors.New("network blip")))

	rows, err := db.QueryContext(context.Background(), "SELECT id FROM customers")
	require.NoError(t, err)

	_, err = ScanRecords(rows)
	assert.ErrorContains(t, err, "network blip")
}

func TestRecord_Clone(t *testing.T) {
	r := Record{"id": 1}
	c := r.Clone()
	c["id"] = 2
	assert.Equal(t, 1, r["id"])
	assert.Nil(t, Record(nil).Clone())
}
