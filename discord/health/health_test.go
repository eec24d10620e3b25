package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeStore struct {
	err error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	return f.err
}

func TestRunReportsOKWhenBothReachable(t *testing.T) {
	gatewayServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer gatewayServer.Close()

	checker := NewChecker(&fakeStore{}, WithGatewayURL(gatewayServer.URL))

	report := checker.Run(context.Background())
	if report.Status != "ok" {
		t.Fatalf("expected ok status, got %s", report.Status)
	}
	if report.Checks["store"] != "ok" || report.Checks["gateway"] != "ok" {
		t.Fatalf("expected both checks ok, got %+v", report.Checks)
	}
}

func TestRunReportsUnhealthyWhenStoreUnreachable(t *testing.T) {
	gatewayServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer gatewayServer.Close()

	checker := NewChecker(&fakeStore{err: errors.New("connection refused")}, WithGatewayURL(gatewayServer.URL))

	report := checker.Run(context.Background())
	if report.Status != "unhealthy" {
		t.Fatalf("expected unhealthy status, got %s", report.Status)
	}
}

func TestRunReportsDegradedWhenGatewayUnreachable(t *testing.T) {
	checker := NewChecker(&fakeStore{}, WithGatewayURL("http://127.0.0.1:1"))

	report := checker.Run(context.Background())
	if report.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", report.Status)
	}
}

func TestCheckStoreWithoutStoreConfigured(t *testing.T) {
	checker := NewChecker(nil)
	if err := checker.CheckStore(context.Background()); err == nil {
		t.Fatal("expected error when store is not configured")
	}
}
