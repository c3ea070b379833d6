package chainops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDeployContractsParsesAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/contracts/deploy" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["network"] != "testnet" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"contracts": map[string]string{
				"dao":      "0xdao",
				"treasury": "0xtreasury",
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	contracts, err := c.DeployContracts(context.Background(), "t1", "testnet", "seed")
	if err != nil {
		t.Fatalf("DeployContracts: %v", err)
	}
	if contracts["dao"] != "0xdao" || contracts["treasury"] != "0xtreasury" {
		t.Fatalf("unexpected contract map: %v", contracts)
	}
}

func TestDeployContractsRejectsEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"contracts": map[string]string{}})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if _, err := c.DeployContracts(context.Background(), "t1", "testnet", "seed"); err == nil {
		t.Fatal("expected error for empty contract map")
	}
}

func TestDeployContractsSurfacesToolFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if _, err := c.DeployContracts(context.Background(), "t1", "testnet", "seed"); err == nil {
		t.Fatal("expected error for tool failure")
	}
}

func TestDeriveAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"address": "0xderived"})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	addr, err := c.DeriveAddress(context.Background(), "seed", "testnet")
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	if addr != "0xderived" {
		t.Fatalf("expected derived address, got %q", addr)
	}
}

func TestDeriveAddressRejectsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"address": ""})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if _, err := c.DeriveAddress(context.Background(), "seed", "testnet"); err == nil {
		t.Fatal("expected error for empty address")
	}
}
