package accounts

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoginFirstAndRepeat(t *testing.T) {
	reg := NewRegistry()
	addr := common.HexToAddress("0x2291ba684ea6bCA81caCE56fcc1194A84086C912")

	t1 := time.Unix(1700000000, 0)
	isNew, seenAt := reg.Login(addr, t1)
	if !isNew {
		t.Error("first login: expected new user")
	}
	if !seenAt.Equal(t1) {
		t.Errorf("first login: seenAt = %v, want %v", seenAt, t1)
	}

	t2 := t1.Add(30 * time.Second)
	isNew, seenAt = reg.Login(addr, t2)
	if isNew {
		t.Error("second login: expected existing user")
	}
	if !seenAt.Equal(t2) {
		t.Errorf("second login: seenAt = %v, want %v", seenAt, t2)
	}

	// Stored time reflects the latest login, not the first.
	stored, ok := reg.Get(addr)
	if !ok {
		t.Fatal("address missing after login")
	}
	if !stored.Equal(t2) {
		t.Errorf("stored time = %v, want %v", stored, t2)
	}
}

func TestHasAndGetUnknownAddress(t *testing.T) {
	reg := NewRegistry()
	addr := common.HexToAddress("0x1")

	if reg.Has(addr) {
		t.Error("Has on empty registry returned true")
	}
	if _, ok := reg.Get(addr); ok {
		t.Error("Get on empty registry returned ok")
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
}

func TestLoginDistinctAddresses(t *testing.T) {
	reg := NewRegistry()
	at := time.Unix(1700000000, 0)

	a := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	b := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	if isNew, _ := reg.Login(a, at); !isNew {
		t.Error("address a should be new")
	}
	if isNew, _ := reg.Login(b, at); !isNew {
		t.Error("address b should be new despite a being registered")
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}
}
