package postgres

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	trrerrors "github.com/trrcms/core/internal/errors"
	"github.com/trrcms/core/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Postgres Store Suite")
}

func newMockStore() (*Store, sqlmock.Sqlmock, func()) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	Expect(err).ToNot(HaveOccurred())
	db := sqlx.NewDb(mockDB, "pgx")
	store := New(db, zap.NewNop())
	return store, mock, func() { mockDB.Close() }
}

var _ = Describe("Store", func() {
	var (
		store *Store
		mock  sqlmock.Sqlmock
		close func()
		ctx   context.Context
	)

	BeforeEach(func() {
		store, mock, close = newMockStore()
		ctx = context.Background()
	})

	AfterEach(func() {
		close()
	})

	Describe("GetBuilding", func() {
		It("returns a not-found AppError when no row exists", func() {
			mock.ExpectQuery(`SELECT \* FROM buildings WHERE building_id = \$1`).
				WithArgs("SY-01-01-001-001-00001").
				WillReturnError(sql.ErrNoRows)

			_, err := store.GetBuilding(ctx, "SY-01-01-001-001-00001")

			Expect(err).To(HaveOccurred())
			Expect(trrerrors.IsType(err, trrerrors.ErrorTypeNotFound)).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("returns a Building with latitude/longitude dereferenced", func() {
			rows := sqlmock.NewRows([]string{
				"building_id", "governorate", "district", "subdistrict", "community",
				"neighborhood", "sequence", "type", "status", "floor_count", "unit_count",
				"latitude", "longitude", "polygon_wkt",
			}).AddRow("SY-01-01-001-001-00001", "01", "01", "001", "001", "00001", "1",
				"residential", "standing", 4, 8, 36.2, 37.1, "")
			mock.ExpectQuery(`SELECT \* FROM buildings WHERE building_id = \$1`).
				WithArgs("SY-01-01-001-001-00001").
				WillReturnRows(rows)

			b, err := store.GetBuilding(ctx, "SY-01-01-001-001-00001")

			Expect(err).ToNot(HaveOccurred())
			Expect(b.BuildingID).To(Equal("SY-01-01-001-001-00001"))
			Expect(*b.Latitude).To(Equal(36.2))
			Expect(*b.Longitude).To(Equal(37.1))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("UpsertPropertyUnit", func() {
		It("maps a unique_violation into a conflict AppError", func() {
			mock.ExpectExec(`INSERT INTO property_units`).
				WillReturnError(&pgconn.PgError{Code: uniqueViolation})

			err := store.UpsertPropertyUnit(ctx, &models.PropertyUnit{
				UnitID: "SY-01-01-001-001-00001-001", BuildingID: "SY-01-01-001-001-00001",
			})

			Expect(err).To(HaveOccurred())
			Expect(trrerrors.IsType(err, trrerrors.ErrorTypeConflict)).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("NextClaimSequence", func() {
		It("inserts a zero counter row and returns 1 on first use", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT counter FROM claim_sequences WHERE year = \$1 FOR UPDATE`).
				WithArgs(2026).
				WillReturnError(sql.ErrNoRows)
			mock.ExpectExec(`INSERT INTO claim_sequences`).
				WithArgs(2026).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectExec(`UPDATE claim_sequences SET counter`).
				WithArgs(1, 2026).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			next, err := store.NextClaimSequence(ctx, 2026)

			Expect(err).ToNot(HaveOccurred())
			Expect(next).To(Equal(1))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("increments an existing counter", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT counter FROM claim_sequences WHERE year = \$1 FOR UPDATE`).
				WithArgs(2026).
				WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(41))
			mock.ExpectExec(`UPDATE claim_sequences SET counter`).
				WithArgs(42, 2026).
				WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			next, err := store.NextClaimSequence(ctx, 2026)

			Expect(err).ToNot(HaveOccurred())
			Expect(next).To(Equal(42))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("HealthCheck", func() {
		It("succeeds when the connection answers a ping", func() {
			mock.ExpectPing()
			Expect(store.HealthCheck(ctx)).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("wraps a ping failure as a database AppError", func() {
			mock.ExpectPing().WillReturnError(sql.ErrConnDone)
			err := store.HealthCheck(ctx)
			Expect(err).To(HaveOccurred())
			Expect(trrerrors.IsType(err, trrerrors.ErrorTypeDatabase)).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})
