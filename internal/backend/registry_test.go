package backend_test

import (
	"context"
	"testing"

	"github.com/seantiz/lobbylink/internal/backend"
)

func nopCaller() backend.Caller {
	return backend.CallerFunc(func(_ context.Context, _ backend.Request, onSuccess backend.SuccessHandler, _ backend.ErrorHandler) {
		go onSuccess(nil)
	})
}

func TestRegistryRegisterAndList(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.ServiceSocial, "/friends", nopCaller())
	reg.Register(backend.ServiceAgreement, "/agreement", nopCaller())

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d services, want 2", len(list))
	}
	if list[0].Name != backend.ServiceAgreement || list[1].Name != backend.ServiceSocial {
		t.Errorf("List() not sorted: %v", list)
	}
	if list[0].BasePath != "/agreement" {
		t.Errorf("BasePath = %q, want /agreement", list[0].BasePath)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.ServiceIAM, "/iam", nopCaller())

	if _, err := reg.Resolve(backend.ServiceIAM); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := reg.Resolve(backend.ServiceDSM); err == nil {
		t.Error("expected error for unregistered service, got nil")
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(backend.ServiceIAM, "/old", nopCaller())
	reg.Register(backend.ServiceIAM, "/new", nopCaller())

	list := reg.List()
	if len(list) != 1 || list[0].BasePath != "/new" {
		t.Errorf("List() = %v, want single /new entry", list)
	}
}

func TestRequestErrorMessage(t *testing.T) {
	err := &backend.RequestError{Code: 20001, Message: "unauthorized"}
	if got := err.Error(); got != "backend error 20001: unauthorized" {
		t.Errorf("Error() = %q", got)
	}
}
