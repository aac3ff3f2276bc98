package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
)

var policy = Policy{Window: 5 * time.Minute, MaxFails: 3, BlockFor: 10 * time.Minute}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestPG_Allow(t *testing.T) {
	mock := newMock(t)
	l := NewPG(mock, policy)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT blocked_until FROM unlock_limiter WHERE source_id=\$1`).
		WithArgs("src").WillReturnError(pgx.ErrNoRows)
	if ok, d, err := l.Allow(ctx, "src"); err != nil || !ok || d != 0 {
		t.Fatalf("no row: ok=%v d=%v err=%v", ok, d, err)
	}

	mock.ExpectQuery(`SELECT blocked_until`).WithArgs("src").
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Now().Add(time.Minute)))
	if ok, d, err := l.Allow(ctx, "src"); err != nil || ok || d <= 0 {
		t.Fatalf("blocked: ok=%v d=%v err=%v", ok, d, err)
	}

	mock.ExpectQuery(`SELECT blocked_until`).WithArgs("src").
		WillReturnRows(pgxmock.NewRows([]string{"blocked_until"}).AddRow(time.Unix(0, 0)))
	if ok, _, err := l.Allow(ctx, "src"); err != nil || !ok {
		t.Fatalf("epoch: ok=%v err=%v", ok, err)
	}

	mock.ExpectQuery(`SELECT blocked_until`).WithArgs("src").WillReturnError(errors.New("db boom"))
	if ok, _, err := l.Allow(ctx, "src"); err == nil || ok {
		t.Fatalf("want error, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPG_FailureBlocksAtThreshold(t *testing.T) {
	mock := newMock(t)
	l := NewPG(mock, policy)
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO unlock_limiter .* RETURNING fail_count`).
		WithArgs("src", policy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(2))
	if blocked, _, err := l.Failure(ctx, "src"); err != nil || blocked {
		t.Fatalf("below threshold: blocked=%v err=%v", blocked, err)
	}

	mock.ExpectQuery(`RETURNING fail_count`).
		WithArgs("src", policy.Window).
		WillReturnRows(pgxmock.NewRows([]string{"fail_count"}).AddRow(3))
	mock.ExpectExec(`UPDATE unlock_limiter SET blocked_until=\$2 WHERE source_id=\$1`).
		WithArgs("src", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	blocked, d, err := l.Failure(ctx, "src")
	if err != nil || !blocked || d != policy.BlockFor {
		t.Fatalf("at threshold: blocked=%v d=%v err=%v", blocked, d, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPG_Success(t *testing.T) {
	mock := newMock(t)
	l := NewPG(mock, policy)

	mock.ExpectExec(`INSERT INTO unlock_limiter .* DO UPDATE SET fail_count=0`).
		WithArgs("src").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	if err := l.Success(context.Background(), "src"); err != nil {
		t.Fatalf("success: %v", err)
	}

	mock.ExpectExec(`INSERT INTO unlock_limiter`).WithArgs("src").WillReturnError(errors.New("exec fail"))
	if err := l.Success(context.Background(), "src"); err == nil {
		t.Fatalf("want exec error")
	}
}
