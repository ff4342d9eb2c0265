package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"esimflow/order"
	"esimflow/provider"

	"go.uber.org/zap"
)

type fakeAudit struct {
	events    []*Event
	insertErr error
}

func (f *fakeAudit) Insert(_ context.Context, e *Event) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	e.ID = int64(len(f.events) + 1)
	e.ReceivedAt = time.Now()
	f.events = append(f.events, e)
	return nil
}

type fakeReconciler struct {
	signals []order.Signal
	err     error
}

func (f *fakeReconciler) Apply(_ context.Context, sig order.Signal) (order.Outcome, error) {
	if f.err != nil {
		return order.Outcome{}, f.err
	}
	f.signals = append(f.signals, sig)
	return order.Outcome{Applied: true}, nil
}

type fakeFetcher struct {
	profile provider.Profile
	err     error
	calls   int
}

func (f *fakeFetcher) FetchOrderStatus(_ context.Context, _ string) (provider.Profile, error) {
	f.calls++
	return f.profile, f.err
}

func i64(v int64) *int64 { return &v }

func iptr(v int) *int { return &v }

func handle(t *testing.T, s *Service, p Payload) error {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return s.HandleEvent(context.Background(), p, raw)
}

func TestHandleOrderStatusFetchesProfile(t *testing.T) {
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	fetcher := &fakeFetcher{profile: provider.Profile{
		Status: "READY_FOR_DOWNLOAD",
		QRCode: "LPA:1$rsp.example.com$TOKEN",
		ICCID:  "8944000000000000001",
	}}
	s := NewService(audit, rec, zap.NewNop()).WithProfileFetcher(fetcher)

	p := Payload{
		NotifyType: NotifyOrderStatus,
		Content:    Content{OrderNo: "ORD-1", TransactionID: "tx-9", OrderStatus: "READY_FOR_DOWNLOAD"},
	}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(audit.events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(audit.events))
	}
	ev := audit.events[0]
	if ev.EventType != NotifyOrderStatus || ev.OrderNo != "ORD-1" {
		t.Errorf("audit event = %+v", ev)
	}
	if ev.TransactionID == nil || *ev.TransactionID != "tx-9" {
		t.Errorf("transaction id = %v", ev.TransactionID)
	}

	if fetcher.calls != 1 {
		t.Errorf("fetcher calls = %d, want 1", fetcher.calls)
	}
	if len(rec.signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(rec.signals))
	}
	sig := rec.signals[0]
	if sig.Source != order.SourceWebhook || sig.Status != "READY_FOR_DOWNLOAD" {
		t.Errorf("signal = %+v", sig)
	}
	if sig.Profile == nil || sig.Profile.QRCode == "" {
		t.Errorf("profile not attached: %+v", sig.Profile)
	}
}

func TestHandleOrderStatusFetchFailureDegrades(t *testing.T) {
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	fetcher := &fakeFetcher{err: provider.Transient("TIMEOUT", "request timed out", nil)}
	s := NewService(audit, rec, zap.NewNop()).WithProfileFetcher(fetcher)

	p := Payload{
		NotifyType: NotifyOrderStatus,
		Content:    Content{OrderNo: "ORD-2", OrderStatus: "GOT_RESOURCE"},
	}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(rec.signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(rec.signals))
	}
	sig := rec.signals[0]
	if sig.Status != "GOT_RESOURCE" || sig.Profile != nil {
		t.Errorf("want status-only signal, got %+v", sig)
	}
}

func TestHandleOrderStatusSkipsFetchForPlainStatus(t *testing.T) {
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	fetcher := &fakeFetcher{}
	s := NewService(audit, rec, zap.NewNop()).WithProfileFetcher(fetcher)

	p := Payload{
		NotifyType: NotifyOrderStatus,
		Content:    Content{OrderNo: "ORD-3", OrderStatus: "CANCEL"},
	}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if fetcher.calls != 0 {
		t.Errorf("fetcher calls = %d, want 0", fetcher.calls)
	}
	if len(rec.signals) != 1 || rec.signals[0].Status != "CANCEL" {
		t.Errorf("signals = %+v", rec.signals)
	}
}

func TestHandleEsimStatusMergesFieldsOnly(t *testing.T) {
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	s := NewService(audit, rec, zap.NewNop())

	p := Payload{
		NotifyType: NotifyEsimStatus,
		Content:    Content{OrderNo: "ORD-4", Status: "IN_USE", SMDPStatus: "ENABLED"},
	}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(rec.signals) != 1 {
		t.Fatalf("got %d signals, want 1", len(rec.signals))
	}
	sig := rec.signals[0]
	if sig.Status != "" {
		t.Errorf("esim status event must not carry an order status, got %q", sig.Status)
	}
	if sig.Profile == nil || sig.Profile.EsimStatus != "IN_USE" || sig.Profile.SMDPStatus != "ENABLED" {
		t.Errorf("profile = %+v", sig.Profile)
	}
}

func TestHandleDataUsage(t *testing.T) {
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	s := NewService(audit, rec, zap.NewNop())

	p := Payload{
		NotifyType: NotifyDataUsage,
		Content:    Content{OrderNo: "ORD-5", UsedVolume: i64(524288000), RemainingVolume: i64(549755813)},
	}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sig := rec.signals[0]
	if sig.Profile == nil || sig.Profile.DataUsed == nil || *sig.Profile.DataUsed != 524288000 {
		t.Errorf("profile = %+v", sig.Profile)
	}
	if sig.Profile.DataRemaining == nil || *sig.Profile.DataRemaining != 549755813 {
		t.Errorf("profile = %+v", sig.Profile)
	}
}

func TestHandleDataUsageZeroRemaining(t *testing.T) {
	// An exhausted plan reports remainingVolume 0; the zero must reach the
	// reconciler instead of being treated as absent.
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	s := NewService(audit, rec, zap.NewNop())

	p := Payload{
		NotifyType: NotifyDataUsage,
		Content:    Content{OrderNo: "ORD-5", UsedVolume: i64(1073741824), RemainingVolume: i64(0)},
	}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sig := rec.signals[0]
	if sig.Profile == nil || sig.Profile.DataRemaining == nil {
		t.Fatalf("supplied zero dropped: %+v", sig.Profile)
	}
	if *sig.Profile.DataRemaining != 0 {
		t.Errorf("remaining = %d, want 0", *sig.Profile.DataRemaining)
	}
}

func TestHandleValidityUsage(t *testing.T) {
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	s := NewService(audit, rec, zap.NewNop())

	p := Payload{
		NotifyType: NotifyValidityUsage,
		Content:    Content{OrderNo: "ORD-6", ExpiryDate: "2026-04-15T00:00:00Z", RemainingValidity: iptr(12)},
	}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}

	sig := rec.signals[0]
	if sig.Profile == nil || sig.Profile.DaysRemaining == nil || *sig.Profile.DaysRemaining != 12 {
		t.Fatalf("profile = %+v", sig.Profile)
	}
	want := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	if sig.Profile.ExpiryDate == nil || !sig.Profile.ExpiryDate.Equal(want) {
		t.Errorf("expiry date = %v, want %v", sig.Profile.ExpiryDate, want)
	}
}

func TestHandleUnknownTypeAuditedAndDropped(t *testing.T) {
	audit := &fakeAudit{}
	rec := &fakeReconciler{}
	s := NewService(audit, rec, zap.NewNop())

	p := Payload{NotifyType: "SMS_STATUS", Content: Content{OrderNo: "ORD-7"}}
	if err := handle(t, s, p); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(audit.events) != 1 {
		t.Errorf("unknown type must still be audited, got %d events", len(audit.events))
	}
	if len(rec.signals) != 0 {
		t.Errorf("unknown type must not reach the reconciler, got %+v", rec.signals)
	}
}

func TestHandleMissingOrderNo(t *testing.T) {
	s := NewService(&fakeAudit{}, &fakeReconciler{}, zap.NewNop())
	p := Payload{NotifyType: NotifyDataUsage}
	if err := handle(t, s, p); err == nil {
		t.Fatal("expected error for missing order number")
	}
}

func TestHandleAuditFailureStopsProcessing(t *testing.T) {
	audit := &fakeAudit{insertErr: errors.New("db down")}
	rec := &fakeReconciler{}
	s := NewService(audit, rec, zap.NewNop())

	p := Payload{
		NotifyType: NotifyOrderStatus,
		Content:    Content{OrderNo: "ORD-8", OrderStatus: "CANCEL"},
	}
	if err := handle(t, s, p); err == nil {
		t.Fatal("expected audit failure to surface")
	}
	if len(rec.signals) != 0 {
		t.Errorf("reconciler must not run when audit insert fails, got %+v", rec.signals)
	}
}
