package service

import (
	"context"
	"testing"
	"time"

	"smartplug_control/internal/models"
)

type fakeSink struct {
	rows []models.EnergyRow
	err  error
}

func (f *fakeSink) WriteEnergy(_ context.Context, row models.EnergyRow) error {
	f.rows = append(f.rows, row)
	return f.err
}

func newTestLedger(repo *fakeEnergyRepo, sinks ...EnergySink) *Ledger {
	l := NewLedger(repo, nil, sinks...)
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	return l
}

func TestLedger_GrandTotalMonotonicAcrossResets(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()

	totals := []float64{1.0, 1.5, 2.25, 0.0, 0.1, 0.4, 0.05, 0.3, 0.3}
	var prev float64
	for i, total := range totals {
		got := l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 40, Total: total})
		if got.GrandTotal < prev {
			t.Fatalf("sample %d: grand total went down %v -> %v", i, prev, got.GrandTotal)
		}
		prev = got.GrandTotal
	}
	// 2.25 + 0.4 + 0.3
	if prev != 2.95 {
		t.Fatalf("final grand total = %v, want 2.95", prev)
	}
}

func TestLedger_WriteSuppressionWhileIdle(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Record(ctx, "10.0.0.5", models.EmeterReading{Voltage: 230, Power: 0, Total: 3.2})
	}
	if n := len(repo.rowsFor("10.0.0.5")); n != 1 {
		t.Fatalf("idle samples persisted %d rows, want the single boundary row", n)
	}
}

func TestLedger_BackfillOnPowerResume(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()

	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 0, Total: 3.2}) // boundary
	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 0, Total: 3.2}) // suppressed
	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 0, Total: 3.2}) // suppressed
	before := len(repo.rowsFor("10.0.0.5"))

	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 120, Total: 3.2})

	rows := repo.rowsFor("10.0.0.5")
	if got := len(rows) - before; got != 2 {
		t.Fatalf("power resume persisted %d rows, want backfill + current", got)
	}
	backfill, current := rows[len(rows)-2], rows[len(rows)-1]
	if backfill.Power != 0 || current.Power != 120 {
		t.Fatalf("unexpected rows: %+v %+v", backfill, current)
	}
	if !backfill.Timestamp.Before(current.Timestamp) {
		t.Fatalf("backfilled row should keep its original timestamp")
	}
}

func TestLedger_NoBackfillWhenLastRowPersisted(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()

	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 50, Total: 1})
	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 0, Total: 1.1}) // on->off, persisted
	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 50, Total: 1.1})

	if n := len(repo.rowsFor("10.0.0.5")); n != 3 {
		t.Fatalf("rows = %d, want 3 with no duplicate backfill", n)
	}
}

func TestLedger_FinalReadingAfterPowerOffIsKept(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()

	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 80, Total: 2})
	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 0, Total: 2})
	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 0, Total: 2})

	if n := len(repo.rowsFor("10.0.0.5")); n != 2 {
		t.Fatalf("rows = %d, want the on row and the first off row", n)
	}
}

func TestLedger_SeedsCorrectionFromHistory(t *testing.T) {
	repo := &fakeEnergyRepo{rows: []models.EnergyRow{
		{ID: 1, IP: "10.0.0.5", Power: 10, Total: 0.5, GrandTotal: 7.5},
	}}
	l := newTestLedger(repo)

	got := l.Record(context.Background(), "10.0.0.5", models.EmeterReading{Power: 10, Total: 0.75})
	if got.GrandTotal != 7.75 {
		t.Fatalf("grand total = %v, want 7.75", got.GrandTotal)
	}
	got = l.Record(context.Background(), "10.0.0.5", models.EmeterReading{Power: 10, Total: 0.1})
	if got.GrandTotal != 7.85 {
		t.Fatalf("after reset grand total = %v, want 7.85", got.GrandTotal)
	}
}

func TestLedger_CorrectionIsPerDevice(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()

	l.Record(ctx, "a", models.EmeterReading{Power: 5, Total: 10})
	l.Record(ctx, "a", models.EmeterReading{Power: 5, Total: 1}) // reset on a only
	got := l.Record(ctx, "b", models.EmeterReading{Power: 5, Total: 2})
	if got.GrandTotal != 2 {
		t.Fatalf("device b picked up a's correction: %v", got.GrandTotal)
	}
}

func TestLedger_WriteFailureIsNotFatal(t *testing.T) {
	repo := &fakeEnergyRepo{insertErr: errBoom}
	sink := &fakeSink{}
	l := newTestLedger(repo, sink)

	got := l.Record(context.Background(), "10.0.0.5", models.EmeterReading{Power: 5, Total: 1.25})
	if got.GrandTotal != 1.25 {
		t.Fatalf("grand total = %v", got.GrandTotal)
	}
	if len(sink.rows) != 0 {
		t.Fatalf("sink must only see persisted rows")
	}
}

func TestLedger_SeedFailureSkipsPersist(t *testing.T) {
	repo := &fakeEnergyRepo{latestErr: errBoom}
	l := newTestLedger(repo)

	got := l.Record(context.Background(), "10.0.0.5", models.EmeterReading{Power: 5, Total: 1.5})
	if got.GrandTotal != 1.5 || len(repo.rows) != 0 {
		t.Fatalf("got %+v rows=%d", got, len(repo.rows))
	}

	repo.latestErr = nil
	l.Record(context.Background(), "10.0.0.5", models.EmeterReading{Power: 5, Total: 1.6})
	if len(repo.rows) != 1 {
		t.Fatalf("ledger should seed again once the store recovers")
	}
}

func TestLedger_SinkReceivesPersistedRows(t *testing.T) {
	repo := &fakeEnergyRepo{}
	sink := &fakeSink{err: errBoom}
	l := newTestLedger(repo, sink)

	l.Record(context.Background(), "10.0.0.5", models.EmeterReading{Power: 5, Total: 1})
	if len(sink.rows) != 1 || sink.rows[0].GrandTotal != 1 {
		t.Fatalf("sink rows = %+v", sink.rows)
	}
}

func TestLedger_GetEnergyData(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		l.Record(ctx, "10.0.0.5", models.EmeterReading{Voltage: 230, Current: 0.2, Power: float64(i), Total: float64(i)})
	}

	points, err := l.GetEnergyData(ctx, " 10.0.0.5 ", 1, 0)
	if err != nil {
		t.Fatalf("GetEnergyData: %v", err)
	}
	if len(points) != 2 || points[0].Power != 2 || points[1].Power != 1 {
		t.Fatalf("points = %+v", points)
	}
	if points[0].GrandTotal != 2 || points[0].Voltage != 230 {
		t.Fatalf("fields not mapped: %+v", points[0])
	}
}

func TestLedger_SampleKeepsReadOrder(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)
	ctx := context.Background()

	l.Record(ctx, "10.0.0.5", models.EmeterReading{Power: 60, Total: 0.999})

	reading := make(chan struct{})
	release := make(chan struct{})
	first := make(chan models.EmeterReading, 1)
	go func() {
		r, _ := l.Sample(ctx, "10.0.0.5", func() (models.EmeterReading, bool) {
			close(reading)
			<-release // slow device reply
			return models.EmeterReading{Power: 60, Total: 1.000}, true
		})
		first <- r
	}()
	<-reading

	second := make(chan models.EmeterReading, 1)
	go func() {
		r, _ := l.Sample(ctx, "10.0.0.5", func() (models.EmeterReading, bool) {
			return models.EmeterReading{Power: 60, Total: 1.001}, true
		})
		second <- r
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-second:
		t.Fatalf("second sample recorded while the first was still reading")
	default:
	}
	close(release)

	if got := (<-first).GrandTotal; got != 1.0 {
		t.Fatalf("first grand total = %v, want 1", got)
	}
	if got := (<-second).GrandTotal; got != 1.001 {
		t.Fatalf("second grand total = %v, want 1.001 with no counter reset", got)
	}
	rows := repo.rowsFor("10.0.0.5")
	if last := rows[len(rows)-1]; last.Total != 1.001 || last.GrandTotal != 1.001 {
		t.Fatalf("last row = %+v", last)
	}
}

func TestLedger_SampleWithoutReading(t *testing.T) {
	repo := &fakeEnergyRepo{}
	l := newTestLedger(repo)

	if _, ok := l.Sample(context.Background(), "10.0.0.5", func() (models.EmeterReading, bool) {
		return models.EmeterReading{}, false
	}); ok {
		t.Fatalf("sample without reading reported ok")
	}
	if n := len(repo.rowsFor("10.0.0.5")); n != 0 {
		t.Fatalf("rows = %d, want none", n)
	}
}
