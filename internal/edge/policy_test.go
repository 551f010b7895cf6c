package edge

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/uahtechtube/finxchange/internal/domain"
)

func TestClassify(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		method string
		path   string
		want   RouteClass
	}{
		{http.MethodGet, "/api/v1/wallet", RouteCacheableRead},
		{http.MethodGet, "/api/v1/transactions", RouteCacheableRead},
		{http.MethodGet, "/api/v1/banks", RouteCacheableRead},
		{http.MethodPost, "/api/v1/transfers/bank", RouteQueueableWrite},
		{http.MethodPost, "/api/v1/transfers/wallet", RouteQueueableWrite},
		{http.MethodPost, "/api/v1/bills", RouteQueueableWrite},
		{http.MethodPost, "/api/v1/auth/login", RouteNeverQueue},
		{http.MethodPost, "/api/v1/auth/verify-otp", RouteNeverQueue},
		{http.MethodPost, "/api/v1/webhooks/payments", RouteNeverQueue},
		// Auth endpoints never queue regardless of method.
		{http.MethodGet, "/api/v1/auth/login", RouteNeverQueue},
		{http.MethodGet, "/api/v1/rates", RoutePassThrough},
		{http.MethodDelete, "/api/v1/beneficiaries/3", RoutePassThrough},
		{http.MethodGet, "/dashboard", RouteStatic},
		{http.MethodGet, "/assets/app.js", RouteStatic},
		{http.MethodPost, "/contact", RoutePassThrough},
	}

	for _, tt := range tests {
		if got := p.Classify(tt.method, tt.path); got != tt.want {
			t.Errorf("Classify(%s %s) = %d, want %d", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestKindForWrite(t *testing.T) {
	p := DefaultPolicy()

	billBody := func(billType string) map[string]json.RawMessage {
		raw, _ := json.Marshal(billType)
		return map[string]json.RawMessage{"bill_type": raw}
	}

	tests := []struct {
		name string
		path string
		body map[string]json.RawMessage
		want domain.TransactionKind
	}{
		{name: "bank transfer", path: "/api/v1/transfers/bank", want: domain.KindBankTransfer},
		{name: "wallet transfer", path: "/api/v1/transfers/wallet", want: domain.KindWalletTransfer},
		{name: "bill defaults to airtime", path: "/api/v1/bills", body: map[string]json.RawMessage{}, want: domain.KindAirtime},
		{name: "airtime bill", path: "/api/v1/bills", body: billBody("airtime"), want: domain.KindAirtime},
		{name: "data bill", path: "/api/v1/bills", body: billBody("data"), want: domain.KindData},
		{name: "unknown path", path: "/api/v1/unknown", want: domain.TransactionKind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.KindForWrite(tt.path, tt.body); got != tt.want {
				t.Errorf("KindForWrite(%s) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestEndpointForKindRoundTrips(t *testing.T) {
	for kind, want := range map[domain.TransactionKind]string{
		domain.KindBankTransfer:   "/api/v1/transfers/bank",
		domain.KindWalletTransfer: "/api/v1/transfers/wallet",
		domain.KindAirtime:        "/api/v1/bills",
		domain.KindData:           "/api/v1/bills",
	} {
		if got := EndpointForKind(kind); got != want {
			t.Errorf("EndpointForKind(%s) = %q, want %q", kind, got, want)
		}
	}
	if got := EndpointForKind(domain.TransactionKind("bogus")); got != "" {
		t.Errorf("unknown kind mapped to %q", got)
	}
}
