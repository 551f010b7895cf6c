package edge

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/uahtechtube/finxchange/internal/domain"
)

// RouteClass is the interception decision for a request shape.
type RouteClass int

const (
	// RoutePassThrough goes network-only; failure surfaces as 503.
	RoutePassThrough RouteClass = iota
	// RouteCacheableRead is served cache-first within the freshness window.
	RouteCacheableRead
	// RouteQueueableWrite is persisted to the local queue when the upstream
	// is unreachable.
	RouteQueueableWrite
	// RouteNeverQueue must never be queued; replaying a stale login or OTP
	// later has no valid semantics.
	RouteNeverQueue
	// RouteStatic is a navigation or asset request outside the API.
	RouteStatic
)

// Policy is the route classification table for the interception layer.
type Policy struct {
	cacheableReads []string
	queueableWrite map[string]domain.TransactionKind
	neverQueue     []string
}

// DefaultPolicy returns the FinXchange route table.
func DefaultPolicy() Policy {
	return Policy{
		cacheableReads: []string{
			"/api/v1/auth/me",
			"/api/v1/wallet",
			"/api/v1/virtual-account",
			"/api/v1/banks",
			"/api/v1/beneficiaries",
			"/api/v1/transactions",
		},
		queueableWrite: map[string]domain.TransactionKind{
			"/api/v1/transfers/bank":   domain.KindBankTransfer,
			"/api/v1/transfers/wallet": domain.KindWalletTransfer,
			"/api/v1/bills":            domain.KindAirtime, // refined by bill_type
		},
		neverQueue: []string{
			"/api/v1/auth/login",
			"/api/v1/auth/logout",
			"/api/v1/auth/register",
			"/api/v1/auth/verify-otp",
			"/api/v1/webhooks",
		},
	}
}

// Classify maps a request shape to its interception decision.
func (p Policy) Classify(method, path string) RouteClass {
	if !strings.HasPrefix(path, "/api/") {
		if method == http.MethodGet {
			return RouteStatic
		}
		return RoutePassThrough
	}

	for _, prefix := range p.neverQueue {
		if strings.HasPrefix(path, prefix) {
			return RouteNeverQueue
		}
	}

	if method == http.MethodGet {
		for _, prefix := range p.cacheableReads {
			if strings.HasPrefix(path, prefix) {
				return RouteCacheableRead
			}
		}
		return RoutePassThrough
	}

	if _, ok := p.queueableWrite[path]; ok {
		return RouteQueueableWrite
	}
	return RoutePassThrough
}

// KindForWrite resolves the transaction kind for a queueable write. Bill
// purchases are split into airtime and data by the bill_type field.
func (p Policy) KindForWrite(path string, body map[string]json.RawMessage) domain.TransactionKind {
	kind, ok := p.queueableWrite[path]
	if !ok {
		return ""
	}
	if kind == domain.KindAirtime {
		var billType string
		if raw, ok := body["bill_type"]; ok {
			json.Unmarshal(raw, &billType)
		}
		if billType == "data" {
			return domain.KindData
		}
	}
	return kind
}

// EndpointForKind is the drain target for each kind.
func EndpointForKind(kind domain.TransactionKind) string {
	switch kind {
	case domain.KindBankTransfer:
		return "/api/v1/transfers/bank"
	case domain.KindWalletTransfer:
		return "/api/v1/transfers/wallet"
	case domain.KindAirtime, domain.KindData:
		return "/api/v1/bills"
	}
	return ""
}
