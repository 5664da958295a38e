package swapmcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func writeEnvelope(w http.ResponseWriter, status int, env map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCreateSessionStoresToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tools/create_session" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var params struct {
			UserID     string   `json:"userId"`
			NetworkIDs []string `json:"networkIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if params.UserID != "alice" || len(params.NetworkIDs) != 2 {
			t.Fatalf("unexpected params: %+v", params)
		}
		writeEnvelope(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    map[string]any{"sessionId": "s-1", "userId": "alice", "bearerToken": "tok"},
		})
	})

	sess, err := client.CreateSession(context.Background(), "alice", []string{"ethereum", "polygon"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.SessionID != "s-1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if got := client.Token(); got != "tok" {
		t.Fatalf("expected token tok, got %q", got)
	}
}

func TestExecuteSwapRequiresToken(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	_, err := client.ExecuteSwap(context.Background(), SwapParams{NetworkID: "ethereum"})
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if called {
		t.Fatal("request must not be sent without a token")
	}
}

func TestExecuteSwapSendsBearer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		writeEnvelope(w, http.StatusOK, map[string]any{
			"success": true,
			"data": map[string]any{
				"executionId":    "exec-1",
				"txReference":    "0xfeed",
				"confirmedBlock": 42,
				"savings":        map[string]string{"absolute": "10", "percentageOfWorst": "0.5"},
			},
		})
	})
	client.SetToken("tok")

	exec, err := client.ExecuteSwap(context.Background(), SwapParams{NetworkID: "ethereum", SellAsset: "ETH", BuyAsset: "USDC", SellAmount: "1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.TxReference != "0xfeed" || exec.ConfirmedBlock != 42 || exec.Savings.Absolute != "10" {
		t.Fatalf("unexpected execution %+v", exec)
	}
}

func TestPendingUnknownExposesTxHash(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusAccepted, map[string]any{
			"success": false,
			"code":    "PENDING_UNKNOWN",
			"error":   "confirmation budget exhausted",
			"data":    map[string]string{"tx_hash": "0xbeef"},
		})
	})
	client.SetToken("tok")

	_, err := client.ExecuteSwap(context.Background(), SwapParams{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "PENDING_UNKNOWN" || apiErr.TxHash() != "0xbeef" || apiErr.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestRevokeSessionTwice(t *testing.T) {
	revoked := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if revoked {
			writeEnvelope(w, http.StatusOK, map[string]any{"success": true, "data": map[string]bool{"revoked": false}})
			return
		}
		revoked = true
		writeEnvelope(w, http.StatusOK, map[string]any{"success": true, "data": map[string]bool{"revoked": true}})
	})
	client.SetToken("tok")

	ok, err := client.RevokeSession(context.Background())
	if err != nil || !ok {
		t.Fatalf("first revoke: ok=%v err=%v", ok, err)
	}
	if client.Token() != "" {
		t.Fatal("token should be cleared after revoke")
	}

	client.SetToken("tok")
	ok, err = client.RevokeSession(context.Background())
	if err != nil || ok {
		t.Fatalf("second revoke: ok=%v err=%v", ok, err)
	}
}

func TestNonEnvelopeResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})
	_, err := client.ListNetworks(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error %v", err)
	}
}
