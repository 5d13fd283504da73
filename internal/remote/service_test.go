package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"plansync/internal/apperr"
	"plansync/internal/store"
)

func testService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key"}, nil)
}

func TestActivePlansQuery(t *testing.T) {
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/plans" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("active") != "true" || r.URL.Query().Get("order") != "price" {
			t.Errorf("query = %v, want active=true order=price", r.URL.Query())
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]store.Plan{
			{ID: "p1", Name: "Basic", PriceCents: 1500, Active: true},
		})
	})

	plans, err := svc.ActivePlans(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 1 || plans[0].ID != "p1" {
		t.Errorf("plans = %v", plans)
	}
}

func TestPlanNotFound(t *testing.T) {
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "plan not found"})
	})

	_, err := svc.Plan(context.Background(), "missing")
	if !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
	if apperr.Reason(err) != "plan not found" {
		t.Errorf("reason = %q", apperr.Reason(err))
	}
}

func TestDecideContractGuard(t *testing.T) {
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		var d Decision
		_ = json.NewDecoder(r.Body).Decode(&d)
		if d.State != store.ContractApproved || d.DecidedBy != "adv1" {
			t.Errorf("decision = %+v", d)
		}
		// Guard failed: the contract was already decided.
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "contract is not pending"})
	})

	decided, err := svc.DecideContract(context.Background(), "c1",
		Decision{State: store.ContractApproved, DecidedBy: "adv1"})
	if err != nil {
		t.Fatalf("guard failure should not be an error here: %v", err)
	}
	if decided {
		t.Error("decided = true, want false when the guard rejects")
	}
}

func TestDecideContractSuccess(t *testing.T) {
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	decided, err := svc.DecideContract(context.Background(), "c1",
		Decision{State: store.ContractRejected, DecidedBy: "adv1"})
	if err != nil || !decided {
		t.Errorf("decided = %v, err = %v; want true, nil", decided, err)
	}
}

func TestSendMessageCarriesToken(t *testing.T) {
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["client_token"] != "tok-1" {
			t.Errorf("client_token = %v, want tok-1", body["client_token"])
		}
		_ = json.NewEncoder(w).Encode(store.Message{
			ID: "srv-1", ContractID: "c1", SenderID: "u1", Body: "Hola",
			ClientToken: "tok-1", CreatedAt: 1000, UpdatedAt: 1000,
		})
	})

	created, err := svc.SendMessage(context.Background(), &store.Message{
		ContractID: "c1", SenderID: "u1", Body: "Hola", ClientToken: "tok-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != "srv-1" || created.ClientToken != "tok-1" {
		t.Errorf("created = %+v", created)
	}
}

func TestTransportErrorClassification(t *testing.T) {
	svc := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	_, err := svc.ActivePlans(context.Background())
	if !apperr.IsKind(err, apperr.TransportUnavailable) {
		t.Errorf("err = %v, want TRANSPORT_UNAVAILABLE", err)
	}
}

func TestServerErrorClassification(t *testing.T) {
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := svc.ActivePlans(context.Background())
	if !apperr.IsKind(err, apperr.TransportUnavailable) {
		t.Errorf("err = %v, want TRANSPORT_UNAVAILABLE on 5xx", err)
	}
}

func TestWriteRejectedClassification(t *testing.T) {
	svc := testService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "body required"})
	})
	_, err := svc.SendMessage(context.Background(), &store.Message{ContractID: "c1"})
	if !apperr.IsKind(err, apperr.WriteRejected) {
		t.Errorf("err = %v, want WRITE_REJECTED", err)
	}
}
