package broker

import (
	"context"
	"testing"
)

type nopConnector struct{}

func (nopConnector) Connect(context.Context, ConnConfig) (Session, error) { return nil, nil }

func TestRegistry_NewConnector(t *testing.T) {
	Register("nop-test", func() Connector { return nopConnector{} })

	c, err := NewConnector("nop-test")
	if err != nil {
		t.Fatalf("NewConnector: %v", err)
	}
	if _, ok := c.(nopConnector); !ok {
		t.Fatalf("unexpected connector %T", c)
	}

	found := false
	for _, d := range Drivers() {
		if d == "nop-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("nop-test missing from %v", Drivers())
	}
}

func TestRegistry_UnknownDriver(t *testing.T) {
	if _, err := NewConnector("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
